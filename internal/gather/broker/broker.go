// Package broker gathers daily per-branch trading snapshots.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"tsfetch/internal/config"
	"tsfetch/internal/gather"
	"tsfetch/internal/pipeline"
	"tsfetch/internal/source/fubon"
	"tsfetch/internal/store"
)

// Name identifies the job in logs, metrics and ledger marks.
const Name = "broker-daily"

// Entities are the branch listing columns.
var Entities = gather.EntityColumns{ID: "Branch_Code", Name: "Branch_Name", Group: "Broker_Code"}

// Compile-time interface check.
var _ gather.Gatherer = (*Gatherer)(nil)

// Gatherer fetches one page per branch and trading date.
type Gatherer struct {
	runner *gather.Runner
	spec   gather.Spec
	log    *slog.Logger
}

// New creates a Gatherer from cfg.Jobs.Broker.
func New(cfg *config.Config, log *slog.Logger) *Gatherer {
	return NewWithTransport(cfg, fubon.NewTransport(cfg.Fetch.Timeout.D()), log)
}

// NewWithTransport creates a Gatherer that fetches through t.
func NewWithTransport(cfg *config.Config, t pipeline.Transport, log *slog.Logger) *Gatherer {
	job := cfg.Jobs.Broker
	if job.BaseURL == "" {
		job.BaseURL = fubon.DefaultBaseURL
	}
	return &Gatherer{
		runner: gather.NewRunner(cfg, log),
		spec: gather.Spec{
			Name:         Name,
			CalendarPath: job.CalendarPath,
			Listings:     []gather.Listing{{Path: job.EntitiesPath, Columns: Entities}},
			OutputPath:   job.OutputPath,
			Columns:      fubon.Columns,
			EntityColumn: "Branch_Code",
			DateColumn:   "Date",
			Key:          fubon.Key(job.BaseURL),
			Transport:    t,
			Parser:       fubon.Parser{},
			Export:       Export,
		},
		log: log.With("gatherer", Name),
	}
}

// Name returns the gatherer identifier.
func (g *Gatherer) Name() string { return Name }

// Spec returns the job the gatherer runs.
func (g *Gatherer) Spec() gather.Spec { return g.spec }

// Run performs one resumable pass over every branch.
func (g *Gatherer) Run(ctx context.Context) error {
	res, err := g.runner.Run(ctx, g.spec)
	if res != nil {
		g.log.Info("broker pass finished", "phase", res.Phase.String(), "rows", res.Totals.Rows)
	}
	return err
}

// Export writes the broker output as yearly Parquet snapshots.
func Export(csvPath, dir string) (int, int, error) {
	return store.ExportParquet(csvPath, dir, "Date", toRecord)
}

func toRecord(r store.CSVRow) (store.BranchTradeRecord, error) {
	rec := store.BranchTradeRecord{
		Date:       r.Get("Date"),
		BranchCode: r.Get("Branch_Code"),
		Branch:     r.Get("Branch"),
		Ticker:     r.Get("Ticker"),
		Name:       r.Get("Name"),
	}
	var err error
	if rec.Buy, err = parseShares(r.Get("buy")); err != nil {
		return rec, err
	}
	if rec.Sell, err = parseShares(r.Get("sell")); err != nil {
		return rec, err
	}
	if rec.Diff, err = parseShares(r.Get("diff")); err != nil {
		return rec, err
	}
	return rec, nil
}

// parseShares parses a share count as printed on the page, e.g. "1,234" or
// "-56".
func parseShares(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid share count %q: %w", s, err)
	}
	return n, nil
}
