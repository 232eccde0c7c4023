package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"ventsim/internal/automaton"
)

const (
	automatonCSVFile = "automaton.csv"
	automatonPNGFile = "automaton.png"
)

// WriteAutomatonArtifacts writes per-generation populations and their chart
// into dir.
func WriteAutomatonArtifacts(dir string, history []automaton.Stats) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	file, err := os.Create(filepath.Join(dir, automatonCSVFile))
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"generation", "low", "medium", "high"}); err != nil {
		return "", err
	}
	for i, st := range history {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.Itoa(st.Low),
			strconv.Itoa(st.Medium),
			strconv.Itoa(st.High),
		}); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}

	if len(history) > 0 {
		if err := writePNG(filepath.Join(dir, automatonPNGFile), func(w io.Writer) error {
			return RenderAutomatonChart(w, history)
		}); err != nil {
			return "", fmt.Errorf("render automaton chart: %w", err)
		}
	}
	return dir, nil
}
