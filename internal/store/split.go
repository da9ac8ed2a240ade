package store

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SplitByEntity partitions the CSV at srcPath into one file per value of
// entityCol under outDir, each with the source header. Existing files are
// replaced. It returns the number of rows written per entity.
func SplitByEntity(srcPath, outDir, entityCol string) (map[string]int, error) {
	header, err := ReadHeader(srcPath)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return map[string]int{}, nil
	}

	groups := make(map[string][][]string)
	err = ScanCSV(srcPath, []string{entityCol}, func(r CSVRow) error {
		entity := r.Get(entityCol)
		if entity == "" {
			return nil
		}
		groups[entity] = append(groups[entity], r.Fields())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("splitting %s: %w", srcPath, err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(groups))
	for entity, rows := range groups {
		path := filepath.Join(outDir, safeFileName(entity)+".csv")
		if err := writeCSVFile(path, header, rows); err != nil {
			return counts, fmt.Errorf("writing %s: %w", path, err)
		}
		counts[entity] = len(rows)
	}
	return counts, nil
}

// WriteEntityList records the entities of a split at path, one id per row
// under a col header, in ascending order.
func WriteEntityList(path, col string, counts map[string]int) error {
	ids := slices.Sorted(maps.Keys(counts))
	rows := make([][]string, len(ids))
	for i, id := range ids {
		rows[i] = []string{id}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeCSVFile(path, []string{col}, rows)
}

func writeCSVFile(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func safeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
