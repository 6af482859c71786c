package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// timeFormats are tried in order when parsing the time column.
var timeFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
}

// LoadCSV reads a time-indexed table from a CSV file. The file must have a
// header row naming both the time and the target column.
func LoadCSV(path, timeColumn, targetColumn string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	table, err := FromReader(file, timeColumn, targetColumn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// FromReader reads a time-indexed table from CSV data.
func FromReader(r io.Reader, timeColumn, targetColumn string) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	t := &Table{
		TimeColumn:   timeColumn,
		TargetColumn: targetColumn,
		Columns:      header,
	}
	timeIdx := t.ColumnIndex(timeColumn)
	if timeIdx < 0 {
		return nil, fmt.Errorf("time column %q not found in header %v", timeColumn, header)
	}
	targetIdx := t.ColumnIndex(targetColumn)
	if targetIdx < 0 {
		return nil, fmt.Errorf("target column %q not found in header %v", targetColumn, header)
	}

	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		ts, err := ParseTime(record[timeIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		target, err := strconv.ParseFloat(strings.TrimSpace(record[targetIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad target value %q", line, record[targetIdx])
		}

		t.Times = append(t.Times, ts)
		t.Target = append(t.Target, target)
		t.Rows = append(t.Rows, record)
	}

	if t.Len() == 0 {
		return nil, fmt.Errorf("no data rows")
	}
	t.SortByTime()
	return t, nil
}

// WriteCSV writes the table, header included, to w.
func (t *Table) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Columns); err != nil {
		return err
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// SaveCSV writes the table to a file.
func (t *Table) SaveCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteCSV(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ParseTime parses a timestamp in any of the formats the loader accepts.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, format := range timeFormats {
		if ts, err := time.Parse(format, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
