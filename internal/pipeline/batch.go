package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tsfetch/internal/domain"
	"tsfetch/internal/store"
	"tsfetch/internal/util"
)

// Record is the resolved result of one unit, waiting to be persisted.
// Exactly one of Rows or Mark is set.
type Record struct {
	Unit   domain.Unit
	Rows   [][]string
	Mark   string // store.MarkEmpty or store.MarkSkipped
	Reason string
}

// BatchConfig controls when and how a BatchWriter flushes.
type BatchConfig struct {
	Job          string
	Threshold    int // flush once more than this many units are buffered
	Retries      int
	RetryBackoff time.Duration
}

// BatchWriter buffers the records of one entity and flushes them to a
// shared RowSink and optional MarkStore.
type BatchWriter struct {
	cfg      BatchConfig
	entity   string
	rows     store.RowSink
	marks    store.MarkStore
	observer Observer
	log      *slog.Logger

	mu      sync.Mutex
	pending []Record
	written int
}

// NewBatchWriter returns a BatchWriter for entity. marks may be nil, in which
// case mark-only records are released without being persisted.
func NewBatchWriter(cfg BatchConfig, entity string, rows store.RowSink, marks store.MarkStore, observer Observer, log *slog.Logger) *BatchWriter {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	return &BatchWriter{
		cfg:      cfg,
		entity:   entity,
		rows:     rows,
		marks:    marks,
		observer: observerOrNop(observer),
		log:      log,
	}
}

// Append buffers records in the order given.
func (w *BatchWriter) Append(recs ...Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, recs...)
}

// Pending returns the number of buffered units.
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Written returns the number of rows made durable so far.
func (w *BatchWriter) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// MaybeFlush flushes when the buffer exceeds the threshold.
func (w *BatchWriter) MaybeFlush(ctx context.Context) error {
	if w.Pending() <= w.cfg.Threshold {
		return nil
	}
	return w.Flush(ctx)
}

// Flush persists everything buffered, retrying with exponential backoff. On
// exhaustion it returns a *StorageError and the buffer still holds every
// record that did not become durable.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}

	err := util.Retry(ctx, w.cfg.Retries, w.cfg.RetryBackoff, func() error {
		rows, err := w.flushOnce(ctx)
		w.observer.Flush(err == nil, rows)
		if err != nil {
			w.log.Warn("flush failed", "pending", len(w.pending), "rows_written", rows, "error", err)
		}
		return err
	})
	if err != nil {
		return &StorageError{Entity: w.entity, Pending: len(w.pending), Err: err}
	}
	return nil
}

// flushOnce writes rows, then marks, and reports how many rows became
// durable. Each part is released from the buffer only after it is durable,
// so a retry never duplicates or drops a record.
func (w *BatchWriter) flushOnce(ctx context.Context) (int, error) {
	var rows [][]string
	for _, r := range w.pending {
		rows = append(rows, r.Rows...)
	}
	if len(rows) > 0 {
		if err := w.rows.AppendRows(ctx, rows); err != nil {
			return 0, err
		}
		w.written += len(rows)
		w.log.Info("flushed rows", "rows", len(rows), "units", len(w.pending))

		kept := w.pending[:0]
		for _, r := range w.pending {
			if r.Mark != "" {
				r.Rows = nil
				kept = append(kept, r)
			}
		}
		w.pending = kept
	}

	if len(w.pending) > 0 && w.marks != nil {
		marks := make([]store.Mark, 0, len(w.pending))
		for _, r := range w.pending {
			marks = append(marks, store.Mark{
				Entity: r.Unit.Entity.ID,
				Date:   r.Unit.Date,
				Kind:   r.Mark,
				Reason: r.Reason,
			})
		}
		if err := w.marks.PutMarks(ctx, w.cfg.Job, marks); err != nil {
			return len(rows), err
		}
		w.log.Debug("recorded unit marks", "marks", len(marks))
	}
	w.pending = w.pending[:0]
	return len(rows), nil
}
