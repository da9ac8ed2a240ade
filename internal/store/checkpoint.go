package store

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"tsfetch/internal/domain"
)

// LoadCheckpoints scans the output CSV at path and returns the latest
// persisted date per entity. A missing or empty file yields an empty map. A
// header without the entity or date column is a *CorruptStateError. Rows
// whose date does not parse are ignored and counted in a warning.
func LoadCheckpoints(path, entityCol, dateCol string, log *slog.Logger) (map[string]string, error) {
	out := make(map[string]string)
	var rows, invalid int
	err := ScanCSV(path, []string{entityCol, dateCol}, func(r CSVRow) error {
		rows++
		entity, date := r.Get(entityCol), r.Get(dateCol)
		if entity == "" {
			invalid++
			return nil
		}
		if _, err := time.Parse(domain.DateLayout, date); err != nil {
			invalid++
			return nil
		}
		if date > out[entity] {
			out[entity] = date
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		log.Info("no existing output, starting fresh", "path", path)
		return out, nil
	}
	if err != nil {
		return nil, &CorruptStateError{Path: path, Err: err}
	}
	if invalid > 0 {
		log.Warn("ignored rows with unusable entity or date", "path", path, "rows", invalid)
	}
	log.Info("checkpoints loaded", "path", path, "rows", rows, "entities", len(out))
	return out, nil
}

// MergeCheckpoints folds src into dst, keeping the later date per entity,
// and returns dst.
func MergeCheckpoints(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for entity, date := range src {
		if date > dst[entity] {
			dst[entity] = date
		}
	}
	return dst
}
