package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ MarkStore = (*Ledger)(nil)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS unit_marks (
	job        TEXT NOT NULL,
	entity     TEXT NOT NULL,
	date       TEXT NOT NULL,
	mark       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	run_id     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (job, entity, date)
)`

// Ledger records units that were resolved without output rows, backed by a
// SQLite database.
type Ledger struct {
	db    *sql.DB
	runID string
}

// OpenLedger opens (or creates) the ledger database at dbPath. Marks written
// through the returned Ledger are tagged with runID.
func OpenLedger(dbPath, runID string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", ledgerSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing ledger %s: %w", dbPath, err)
		}
	}
	return &Ledger{db: db, runID: runID}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// PutMarks upserts marks in a single transaction.
func (l *Ledger) PutMarks(ctx context.Context, job string, marks []Mark) error {
	if len(marks) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO unit_marks (job, entity, date, mark, reason, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job, entity, date) DO UPDATE SET
			mark = excluded.mark,
			reason = excluded.reason,
			run_id = excluded.run_id,
			created_at = excluded.created_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range marks {
		if _, err := stmt.ExecContext(ctx, job, m.Entity, m.Date, m.Kind, m.Reason, l.runID, now); err != nil {
			return fmt.Errorf("recording mark %s@%s: %w", m.Entity, m.Date, err)
		}
	}
	return tx.Commit()
}

// MaxMarks returns the latest marked date per entity for job.
func (l *Ledger) MaxMarks(ctx context.Context, job string) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT entity, MAX(date) FROM unit_marks WHERE job = ? GROUP BY entity`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var entity, date string
		if err := rows.Scan(&entity, &date); err != nil {
			return nil, err
		}
		out[entity] = date
	}
	return out, rows.Err()
}

// Marks returns every mark recorded for job and entity, ordered by date.
func (l *Ledger) Marks(ctx context.Context, job, entity string) ([]Mark, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT entity, date, mark, reason FROM unit_marks WHERE job = ? AND entity = ? ORDER BY date`,
		job, entity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mark
	for rows.Next() {
		var m Mark
		if err := rows.Scan(&m.Entity, &m.Date, &m.Kind, &m.Reason); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
