package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ventsim/internal/model"
)

// LoadDataset parses and segments a source in one step. On error the zero
// Dataset is returned.
func LoadDataset(name string, in io.Reader, expectPressure bool) (model.Dataset, error) {
	return LoadDatasetLimit(name, in, expectPressure, MaxRecords)
}

// LoadDatasetLimit is LoadDataset with an explicit body line cap.
func LoadDatasetLimit(name string, in io.Reader, expectPressure bool, limit int) (model.Dataset, error) {
	table, err := ParseRowsLimit(in, limit)
	if err != nil {
		return model.Dataset{}, fmt.Errorf("load dataset %s: %w", name, err)
	}
	return BuildDataset(name, table, expectPressure), nil
}

func LoadDatasetFile(path string, expectPressure bool) (model.Dataset, error) {
	if strings.TrimSpace(path) == "" {
		return model.Dataset{}, fmt.Errorf("dataset path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return model.Dataset{}, err
	}
	defer f.Close()
	return LoadDataset(filepath.Base(path), f, expectPressure)
}

func BuildDataset(name string, table Table, expectPressure bool) model.Dataset {
	cycles := SegmentBreaths(table.Rows, expectPressure)
	summary := model.DatasetSummary{
		Source:       name,
		TotalRecords: len(table.Rows),
		TotalBreaths: len(cycles),
		SkippedRows:  table.Skipped,
		Fields:       append([]string(nil), table.Header...),
	}
	if len(table.Rows) > 0 {
		summary.Sample = make(map[string]string, len(table.Rows[0].Fields))
		for k, v := range table.Rows[0].Fields {
			summary.Sample[k] = v
		}
	}
	return model.Dataset{Summary: summary, Cycles: cycles}
}

// HasField reports whether the dataset header carried the named column.
func HasField(ds model.Dataset, name string) bool {
	for _, f := range ds.Summary.Fields {
		if f == name {
			return true
		}
	}
	return false
}
