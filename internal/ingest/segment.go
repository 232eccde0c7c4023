package ingest

import (
	"math"
	"strconv"

	"ventsim/internal/model"
)

// Field names of the ventilator tabular format.
const (
	FieldID       = "id"
	FieldBreathID = "breath_id"
	FieldR        = "R"
	FieldC        = "C"
	FieldTimeStep = "time_step"
	FieldUIn      = "u_in"
	FieldUOut     = "u_out"
	FieldPressure = "pressure"
)

const (
	DefaultResistance = 20.0
	DefaultCompliance = 50.0
)

// SegmentBreaths groups rows into cycles by contiguous runs of breath_id.
// Order is input order; ids that reappear later start a new cycle.
func SegmentBreaths(rows []Row, expectPressure bool) []model.BreathCycle {
	cycles := make([]model.BreathCycle, 0, 16)
	var current model.BreathCycle
	started := false

	for _, row := range rows {
		rec := RecordFromRow(row, expectPressure)
		if !started || rec.BreathID != current.BreathID {
			if len(current.Records) > 0 {
				cycles = append(cycles, current)
			}
			current = model.BreathCycle{BreathID: rec.BreathID}
			started = true
		}
		current.Records = append(current.Records, rec)
	}
	if len(current.Records) > 0 {
		cycles = append(cycles, current)
	}
	return cycles
}

// RecordFromRow types a raw row, applying the fallback policy for missing fields.
func RecordFromRow(row Row, expectPressure bool) model.Record {
	id, _ := row.Get(FieldID)
	breathID, _ := row.Get(FieldBreathID)
	rec := model.Record{
		ID:       id,
		BreathID: breathID,
		TimeStep: numberOr(row, FieldTimeStep, 0),
		UIn:      numberOr(row, FieldUIn, 0),
		UOut:     numberOr(row, FieldUOut, 0),
		R:        numberOr(row, FieldR, DefaultResistance),
		C:        numberOr(row, FieldC, DefaultCompliance),
	}
	if rec.C <= 0 {
		rec.C = DefaultCompliance
	}
	if expectPressure {
		if raw, ok := row.Get(FieldPressure); ok {
			if v, ok := parseNumber(raw); ok {
				rec.Pressure = &v
			}
		}
	}
	return rec
}

func numberOr(row Row, field string, fallback float64) float64 {
	raw, ok := row.Get(field)
	if !ok {
		return fallback
	}
	v, ok := parseNumber(raw)
	if !ok {
		return fallback
	}
	return v
}

func parseNumber(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
