// Package report writes run artifacts to disk: JSON records, CSV series,
// PNG charts and terminal sparklines.
package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"

	"ventsim/internal/model"
)

const (
	runIndexFile   = "run_index.json"
	runFile        = "run.json"
	metricsCSVFile = "metrics.csv"
	metricsPNGFile = "metrics.png"
	cyclePNGFile   = "cycle.png"
)

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	Source       string  `json:"source,omitempty"`
	Ticks        int     `json:"ticks"`
	FinalMAE     float64 `json:"final_mae"`
	FinalRMSE    float64 `json:"final_rmse"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func IndexEntry(run model.RunRecord) RunIndexEntry {
	return RunIndexEntry{
		RunID:        run.ID,
		Kind:         string(run.Kind),
		Status:       string(run.Status),
		Source:       run.Source,
		Ticks:        run.Ticks,
		FinalMAE:     run.Final.MAE,
		FinalRMSE:    run.Final.RMSE,
		CreatedAtUTC: run.CreatedAtUTC,
	}
}

// WriteRunArtifacts lays out <baseDir>/<run id>/ and records the run in the
// index. Charts are skipped when there is nothing to plot.
func WriteRunArtifacts(baseDir string, run model.RunRecord) (string, error) {
	if run.ID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, runFile), run); err != nil {
		return "", err
	}
	if err := WriteMetricsSeries(runDir, run.History); err != nil {
		return "", err
	}
	if len(run.History) > 0 {
		if err := writePNG(filepath.Join(runDir, metricsPNGFile), func(w io.Writer) error {
			return RenderMetricsChart(w, run.History)
		}); err != nil {
			return "", fmt.Errorf("render metrics chart: %w", err)
		}
	}
	if len(run.LastFrame) > 0 {
		if err := writePNG(filepath.Join(runDir, cyclePNGFile), func(w io.Writer) error {
			return RenderCycleChart(w, run.LastFrame)
		}); err != nil {
			return "", fmt.Errorf("render cycle chart: %w", err)
		}
	}
	if err := AppendRunIndex(baseDir, IndexEntry(run)); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range entries {
		if existing.RunID == entry.RunID {
			entries[i] = entry
			replaced = true
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return writeJSON(filepath.Join(baseDir, runIndexFile), entries)
}

// ListRunIndex returns index entries newest first. Runs sharing a timestamp
// are ordered by append position, latest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return []RunIndexEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", runIndexFile, err)
	}
	return entries, nil
}

func ReadRun(baseDir, runID string) (model.RunRecord, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, runFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

// ExportRunArtifacts copies a run directory's files into <outDir>/<run id>/.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	if err := copyFile(filepath.Join(src, runFile), filepath.Join(dst, runFile)); err != nil {
		return "", err
	}
	for _, file := range []string{metricsCSVFile, metricsPNGFile, cyclePNGFile, automatonCSVFile, automatonPNGFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return dst, nil
}

func WriteMetricsSeries(runDir string, history []model.Metrics) error {
	file, err := os.Create(filepath.Join(runDir, metricsCSVFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"tick", "mae", "rmse", "samples"}); err != nil {
		return err
	}
	for i, m := range history {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(m.MAE, 'f', -1, 64),
			strconv.FormatFloat(m.RMSE, 'f', -1, 64),
			strconv.Itoa(m.Samples),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadMetricsSeries(baseDir, runID string) ([]model.Metrics, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, metricsCSVFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.Metrics{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 4 {
		return nil, false, fmt.Errorf("metrics series header must have 4 columns")
	}

	series := make([]model.Metrics, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		mae, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		rmse, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, false, err
		}
		samples, err := strconv.Atoi(record[3])
		if err != nil {
			return nil, false, err
		}
		series = append(series, model.Metrics{MAE: mae, RMSE: rmse, Samples: samples})
	}
	return series, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func writePNG(path string, render func(io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return err
	}
	return file.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
