// Package calendar loads and builds the ordered list of trading dates a run
// iterates over.
package calendar

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"tsfetch/internal/domain"
	"tsfetch/internal/pipeline"
	"tsfetch/internal/store"
)

// Column is the header written by Write and preferred by Load.
const Column = "str_date"

var fallbackColumns = []string{Column, "date", "Date"}

// Load reads a calendar CSV and returns its dates ascending and without
// duplicates. The date column is str_date, date or Date, else the first
// column. Any unparsable value or an empty calendar is a *pipeline.ConfigError.
func Load(path string) ([]string, error) {
	header, err := store.ReadHeader(path)
	if err != nil {
		return nil, &pipeline.ConfigError{Source: path, Err: err}
	}
	if header == nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, &pipeline.ConfigError{Source: path, Err: statErr}
		}
		return nil, &pipeline.ConfigError{Source: path, Err: errors.New("calendar is empty")}
	}

	col := header[0]
	for _, c := range fallbackColumns {
		if slices.Contains(header, c) {
			col = c
			break
		}
	}

	var dates []string
	err = store.ScanCSV(path, []string{col}, func(r store.CSVRow) error {
		v := r.Get(col)
		t, err := time.Parse(domain.DateLayout, v)
		if err != nil {
			return fmt.Errorf("line %d: invalid date %q", r.Line, v)
		}
		dates = append(dates, t.Format(domain.DateLayout))
		return nil
	})
	if err != nil {
		return nil, &pipeline.ConfigError{Source: path, Err: err}
	}
	if len(dates) == 0 {
		return nil, &pipeline.ConfigError{Source: path, Err: errors.New("calendar is empty")}
	}
	return Normalize(dates), nil
}

// Normalize sorts dates ascending and removes duplicates in place.
func Normalize(dates []string) []string {
	slices.Sort(dates)
	return slices.Compact(dates)
}

// Write stores dates as a single-column CSV, replacing any existing file.
func Write(path string, dates []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{Column}); err != nil {
		return err
	}
	for _, d := range dates {
		if err := w.Write([]string{d}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
