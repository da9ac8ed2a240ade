// Package store defines the durable side of a fetch run: the output row
// sink, the unit-mark ledger, and the checkpoint scan that reads them back.
package store

import (
	"context"
	"fmt"
)

// RowSink appends output rows to durable storage.
type RowSink interface {
	// AppendRows persists a batch of rows. Either every row becomes durable
	// or none does.
	AppendRows(ctx context.Context, rows [][]string) error
}

// Mark kinds recorded for units that produce no output rows.
const (
	MarkEmpty   = "empty"   // fetched and parsed, nothing to write
	MarkSkipped = "skipped" // soft-failed and deliberately passed over
)

// Mark records that a unit was resolved without output rows.
type Mark struct {
	Entity string
	Date   string
	Kind   string
	Reason string
}

// MarkStore persists unit marks so that resolved-but-empty dates count
// toward an entity's checkpoint.
type MarkStore interface {
	// PutMarks records marks for a job. Re-recording a unit replaces it.
	PutMarks(ctx context.Context, job string, marks []Mark) error

	// MaxMarks returns the latest marked date per entity for a job.
	MaxMarks(ctx context.Context, job string) (map[string]string, error)
}

// CorruptStateError reports an existing output store that cannot serve as a
// checkpoint source (for example, required columns are missing).
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state in %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }
