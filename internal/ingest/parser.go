package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxRecords bounds how many body lines a single parse examines.
	MaxRecords = 10000
	Delimiter  = ","
)

// ErrMalformedInput is returned when the source has no header line.
var ErrMalformedInput = errors.New("malformed input: missing header")

// Row is one accepted body line keyed by header field name.
type Row struct {
	Line   int               `json:"line"`
	Fields map[string]string `json:"fields"`
}

func (r Row) Get(name string) (string, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

type Table struct {
	Header []string `json:"header"`
	Rows   []Row    `json:"rows"`
	// Skipped counts body lines dropped for a field-count mismatch.
	Skipped int `json:"skipped"`
	// Truncated is set when lines past the line cap were ignored.
	Truncated bool `json:"truncated"`
}

// ParseRows reads delimited text. Lines whose field count differs from the
// header's are dropped without error.
func ParseRows(in io.Reader) (Table, error) {
	return ParseRowsLimit(in, MaxRecords)
}

// ParseRowsLimit is ParseRows with a caller-chosen body line cap; limit <= 0
// reads the whole source.
func ParseRowsLimit(in io.Reader, limit int) (Table, error) {
	reader := bufio.NewReader(in)

	headerLine, err := readLine(reader)
	if err == io.EOF && headerLine == "" {
		return Table{}, ErrMalformedInput
	}
	if err != nil && err != io.EOF {
		return Table{}, fmt.Errorf("read header: %w", err)
	}
	if strings.TrimSpace(headerLine) == "" {
		return Table{}, ErrMalformedInput
	}

	header := splitFields(headerLine)
	table := Table{Header: header, Rows: make([]Row, 0, 256)}
	if err == io.EOF {
		return table, nil
	}

	for lineNo := 1; ; lineNo++ {
		line, err := readLine(reader)
		if err != nil && err != io.EOF {
			return Table{}, fmt.Errorf("read line %d: %w", lineNo, err)
		}
		if err == io.EOF && line == "" {
			break
		}
		if limit > 0 && lineNo > limit {
			table.Truncated = true
			break
		}

		values := strings.Split(line, Delimiter)
		if len(values) != len(header) {
			table.Skipped++
		} else {
			fields := make(map[string]string, len(header))
			for i, name := range header {
				fields[name] = strings.TrimSpace(values[i])
			}
			table.Rows = append(table.Rows, Row{Line: lineNo, Fields: fields})
		}
		if err == io.EOF {
			break
		}
	}
	return table, nil
}

// readLine returns the next line without its trailing newline.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	return strings.TrimSuffix(line, "\n"), err
}

func splitFields(line string) []string {
	parts := strings.Split(line, Delimiter)
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}
