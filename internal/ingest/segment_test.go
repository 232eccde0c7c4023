package ingest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func rowsFor(ids ...string) []Row {
	rows := make([]Row, 0, len(ids))
	for i, id := range ids {
		rows = append(rows, Row{Line: i + 1, Fields: map[string]string{
			FieldBreathID: id,
			FieldTimeStep: "0.1",
		}})
	}
	return rows
}

func TestSegmentBreathsContiguousRuns(t *testing.T) {
	cycles := SegmentBreaths(rowsFor("A", "A", "B", "B", "B", "C"), false)
	if len(cycles) != 3 {
		t.Fatalf("expected 3 cycles, got %d", len(cycles))
	}
	want := []int{2, 3, 1}
	for i, cycle := range cycles {
		if cycle.Len() != want[i] {
			t.Fatalf("cycle %d size=%d want %d", i, cycle.Len(), want[i])
		}
	}
	if cycles[0].BreathID != "A" || cycles[2].BreathID != "C" {
		t.Fatalf("unexpected cycle ids: %+v", cycles)
	}
}

func TestSegmentBreathsKeepsInputOrderForRepeatedIDs(t *testing.T) {
	cycles := SegmentBreaths(rowsFor("9", "9", "2", "9"), false)
	if len(cycles) != 3 {
		t.Fatalf("expected repeated id to open a new cycle, got %d cycles", len(cycles))
	}
	if cycles[0].BreathID != "9" || cycles[1].BreathID != "2" || cycles[2].BreathID != "9" {
		t.Fatalf("order not preserved: %+v", cycles)
	}
}

func TestSegmentBreathsEmpty(t *testing.T) {
	if cycles := SegmentBreaths(nil, true); len(cycles) != 0 {
		t.Fatalf("expected no cycles, got %+v", cycles)
	}
}

func TestRecordFromRowDefaults(t *testing.T) {
	rec := RecordFromRow(Row{Fields: map[string]string{
		FieldBreathID: "1",
		FieldUIn:      "",
		FieldC:        "0",
		FieldPressure: "5.5",
	}}, true)
	if rec.R != DefaultResistance || rec.C != DefaultCompliance {
		t.Fatalf("expected R/C defaults, got R=%f C=%f", rec.R, rec.C)
	}
	if rec.TimeStep != 0 || rec.UIn != 0 || rec.UOut != 0 {
		t.Fatalf("expected zero defaults, got %+v", rec)
	}
	p, ok := rec.ReferencePressure()
	if !ok || p != 5.5 {
		t.Fatalf("expected pressure 5.5, got %v %v", p, ok)
	}
}

func TestRecordFromRowPressureRequiresFlagAndNumber(t *testing.T) {
	row := Row{Fields: map[string]string{FieldBreathID: "1", FieldPressure: "7"}}
	if rec := RecordFromRow(row, false); rec.Pressure != nil {
		t.Fatalf("pressure attached without flag: %+v", rec)
	}
	row.Fields[FieldPressure] = "n/a"
	if rec := RecordFromRow(row, true); rec.Pressure != nil {
		t.Fatalf("unparsable pressure attached: %+v", rec)
	}
	row.Fields[FieldPressure] = "0"
	if rec := RecordFromRow(row, true); rec.Pressure == nil || *rec.Pressure != 0 {
		t.Fatalf("zero pressure should be attached: %+v", rec)
	}
}

func TestLoadDatasetSummary(t *testing.T) {
	src := "id,breath_id,R,C,time_step,u_in,u_out,pressure\n" +
		"1,1,20,50,0,0.08,0,5.8\n" +
		"2,1,20,50,0.03,18.3,0,5.9\n" +
		"3,2,5,10,0,0,1\n" +
		"4,2,5,10,0.03,1.2,0,6.1\n"
	ds, err := LoadDataset("train.csv", strings.NewReader(src), true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ds.Summary.Source != "train.csv" || ds.Summary.TotalRecords != 3 || ds.Summary.TotalBreaths != 2 {
		t.Fatalf("unexpected summary: %+v", ds.Summary)
	}
	if ds.Summary.SkippedRows != 1 {
		t.Fatalf("expected one skipped row, got %d", ds.Summary.SkippedRows)
	}
	if ds.Summary.Sample["id"] != "1" {
		t.Fatalf("unexpected sample: %+v", ds.Summary.Sample)
	}
	if !HasField(ds, FieldPressure) {
		t.Fatal("expected pressure field")
	}
	if ds.Cycles[1].Records[0].R != 5 {
		t.Fatalf("unexpected second cycle: %+v", ds.Cycles[1])
	}
}

func TestLoadDatasetFailsAtomically(t *testing.T) {
	ds, err := LoadDataset("empty.csv", strings.NewReader(""), false)
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("expected malformed input, got %v", err)
	}
	if ds.CycleCount() != 0 || ds.Summary.Source != "" {
		t.Fatalf("expected zero dataset, got %+v", ds)
	}
}

func TestLoadDatasetFileAndWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.csv")
	src := "id,breath_id,R,C,time_step,u_in,u_out\n1,5,20,20,0,0,0\n2,5,20,20,0.034,7.5,0\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ds, err := LoadDatasetFile(path, false)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if ds.Summary.Source != "test.csv" || ds.CycleCount() != 1 {
		t.Fatalf("unexpected dataset: %+v", ds.Summary)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, ds.Cycles, false); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if buf.String() != src {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}

	reloaded, err := LoadDataset("again", &buf, false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Summary.TotalRecords != 2 {
		t.Fatalf("unexpected reload: %+v", reloaded.Summary)
	}
}
