package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BranchTradeRecord is the Parquet schema for broker branch trading rows.
type BranchTradeRecord struct {
	Date       string `parquet:"date"`
	BranchCode string `parquet:"branch_code"`
	Branch     string `parquet:"branch"`
	Ticker     string `parquet:"ticker"`
	Name       string `parquet:"name"`
	Buy        int64  `parquet:"buy"`
	Sell       int64  `parquet:"sell"`
	Diff       int64  `parquet:"diff"`
}

// DailyBarRecord is the Parquet schema for per-ticker daily price rows.
type DailyBarRecord struct {
	Ticker string  `parquet:"ticker"`
	Date   string  `parquet:"date"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume int64   `parquet:"volume"`
}

// ExportParquet converts every row of the CSV at csvPath with convert and
// writes yearly snapshot files:
//
//	<dir>/<YYYY>.parquet
//
// Each file is rewritten from scratch, sorted by date. Rows that convert
// rejects are skipped and counted. It returns the number of rows exported.
func ExportParquet[T any](csvPath, dir, dateCol string, convert func(CSVRow) (T, error)) (exported, skipped int, err error) {
	groups := make(map[string][]T)
	dates := make(map[string][]string)
	err = ScanCSV(csvPath, []string{dateCol}, func(r CSVRow) error {
		date := r.Get(dateCol)
		if len(date) < 4 {
			skipped++
			return nil
		}
		rec, cerr := convert(r)
		if cerr != nil {
			skipped++
			return nil
		}
		year := date[:4]
		groups[year] = append(groups[year], rec)
		dates[year] = append(dates[year], date)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("reading %s: %w", csvPath, err)
	}

	for year, records := range groups {
		sortByDate(records, dates[year])
		path := filepath.Join(dir, year+".parquet")
		if err := writeParquetFile(path, records); err != nil {
			return exported, skipped, fmt.Errorf("writing %s: %w", path, err)
		}
		exported += len(records)
	}
	return exported, skipped, nil
}

// sortByDate stably sorts records by the parallel dates slice.
func sortByDate[T any](records []T, dates []string) {
	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return dates[idx[a]] < dates[idx[b]] })
	sorted := make([]T, len(records))
	for i, j := range idx {
		sorted[i] = records[j]
	}
	copy(records, sorted)
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes to a temporary file and renames it into place so a
// reader never sees a partial snapshot.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadParquetFile reads every record of a Parquet snapshot.
func ReadParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
