package ingest

import (
	"encoding/csv"
	"io"
	"strconv"

	"ventsim/internal/model"
)

// WriteCSV flattens cycles back into the ventilator tabular format.
func WriteCSV(w io.Writer, cycles []model.BreathCycle, includePressure bool) error {
	writer := csv.NewWriter(w)
	header := []string{FieldID, FieldBreathID, FieldR, FieldC, FieldTimeStep, FieldUIn, FieldUOut}
	if includePressure {
		header = append(header, FieldPressure)
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, cycle := range cycles {
		for _, rec := range cycle.Records {
			row := []string{
				rec.ID,
				rec.BreathID,
				formatFloat(rec.R),
				formatFloat(rec.C),
				formatFloat(rec.TimeStep),
				formatFloat(rec.UIn),
				formatFloat(rec.UOut),
			}
			if includePressure {
				if p, ok := rec.ReferencePressure(); ok {
					row = append(row, formatFloat(p))
				} else {
					row = append(row, "")
				}
			}
			if err := writer.Write(row); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
