package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ErrMissingColumns is returned when a CSV header lacks required columns.
var ErrMissingColumns = errors.New("missing required columns")

const utf8BOM = "\ufeff"

// CSVRow is one data row addressed by header name.
type CSVRow struct {
	Line   int
	index  map[string]int
	fields []string
}

// Get returns the named field, or "" when the column is absent or the row is
// short.
func (r CSVRow) Get(col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

// Fields returns the raw fields of the row.
func (r CSVRow) Fields() []string { return r.fields }

// ReadHeader returns the header of the CSV at path. A missing or empty file
// yields a nil header and no error.
func ReadHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	header, err := newCSVReader(f).Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	return cleanHeader(header), nil
}

// ScanCSV streams the rows of the CSV at path to fn. The header must contain
// every required column. A missing file is reported as an error wrapping
// os.ErrNotExist; an empty file yields no rows.
func ScanCSV(path string, required []string, fn func(CSVRow) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := newCSVReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading header of %s: %w", path, err)
	}
	header = cleanHeader(header)

	index := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}
	var missing []string
	for _, col := range required {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s (have %s)", ErrMissingColumns,
			strings.Join(missing, ", "), strings.Join(header, ", "))
	}

	for line := 2; ; line++ {
		fields, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			continue
		}
		if err := fn(CSVRow{Line: line, index: index, fields: fields}); err != nil {
			return err
		}
	}
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

func cleanHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

// Compile-time interface check.
var _ RowSink = (*CSVSink)(nil)

// CSVSink appends rows to a single CSV file shared by every writer of a run.
// Appends are serialized and each batch is all-or-nothing: a failed write is
// truncated back to the previous file size.
type CSVSink struct {
	mu      sync.Mutex
	path    string
	header  []string
	trimmed int64
}

// NewCSVSink prepares a sink at path with the given header. An existing
// non-empty file must carry the same columns. A trailing partial line left by
// an interrupted write is cut off first, so new rows never merge into it.
func NewCSVSink(path string, header []string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	trimmed, err := trimPartialLine(path)
	if err != nil {
		return nil, &CorruptStateError{Path: path, Err: err}
	}
	existing, err := ReadHeader(path)
	if err != nil {
		return nil, &CorruptStateError{Path: path, Err: err}
	}
	if existing != nil && !slices.Equal(existing, header) {
		return nil, &CorruptStateError{
			Path: path,
			Err:  fmt.Errorf("header %v does not match expected %v", existing, header),
		}
	}
	return &CSVSink{path: path, header: header, trimmed: trimmed}, nil
}

// trimPartialLine truncates the file at path after its last newline and
// returns the number of bytes removed. A missing file is left alone.
func trimPartialLine(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	const block = 4096
	buf := make([]byte, block)
	end := size
	for end > 0 {
		start := max(end-block, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			end = start + int64(i) + 1
			break
		}
		end = start
	}
	if end == size {
		return 0, nil
	}
	if err := f.Truncate(end); err != nil {
		return 0, err
	}
	return size - end, f.Sync()
}

// Path returns the output file path.
func (s *CSVSink) Path() string { return s.path }

// Trimmed returns the number of bytes of a partial trailing line removed
// when the sink was opened.
func (s *CSVSink) Trimmed() int64 { return s.trimmed }

// AppendRows writes rows with a single write followed by fsync. The header is
// written only when the file is new or empty.
func (s *CSVSink) AppendRows(_ context.Context, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	size := info.Size()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if size == 0 {
		if err := w.Write(s.header); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("encoding rows: %w", err)
	}

	if _, err := f.WriteAt(buf.Bytes(), size); err != nil {
		return rollback(f, size, err)
	}
	if err := f.Sync(); err != nil {
		return rollback(f, size, err)
	}
	return f.Close()
}

func rollback(f *os.File, size int64, cause error) error {
	if err := f.Truncate(size); err != nil {
		cause = errors.Join(cause, fmt.Errorf("truncate after failed write: %w", err))
	}
	f.Close()
	return fmt.Errorf("appending to %s: %w", f.Name(), cause)
}
