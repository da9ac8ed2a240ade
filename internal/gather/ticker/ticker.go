// Package ticker gathers daily price history per ticker.
package ticker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"tsfetch/internal/config"
	"tsfetch/internal/gather"
	"tsfetch/internal/pipeline"
	"tsfetch/internal/source/alpacabars"
	"tsfetch/internal/source/twse"
	"tsfetch/internal/store"
)

// Name identifies the job in logs, metrics and ledger marks.
const Name = "ticker-history"

// Listing columns. TWSE lists companies as 公司代號/公司簡稱 and TPEx as
// 股票代號/名稱; the alpaca listing uses ticker/name.
var (
	ListedEntities = gather.EntityColumns{ID: "公司代號", Name: "公司簡稱"}
	OTCEntities    = gather.EntityColumns{ID: "股票代號", Name: "名稱"}
	Entities       = gather.EntityColumns{ID: "ticker", Name: "name"}
)

var _ gather.Gatherer = (*Gatherer)(nil)

// Gatherer fetches one daily bar per ticker and trading date.
type Gatherer struct {
	runner *gather.Runner
	spec   gather.Spec
	log    *slog.Logger
}

// New creates a Gatherer for the source named by cfg.Jobs.Ticker.Source.
func New(cfg *config.Config, log *slog.Logger) *Gatherer {
	if cfg.Jobs.Ticker.Source == config.TickerSourceAlpaca {
		a := cfg.Alpaca
		return NewAlpaca(cfg, alpacabars.NewTransport(a.APIKey, a.APISecret, a.DataURL, a.Feed), log)
	}
	client := twse.NewClient(cfg.TWSE.ListedURL, cfg.TWSE.OTCURL, cfg.Fetch.Timeout.D())
	return NewTaiwan(cfg, twse.NewTransport(client), log)
}

// NewTaiwan creates a Gatherer over the TWSE and TPEx listings. Listed ids
// get the .TW suffix and over-the-counter ids .TWO, which also selects the
// report t fetches from.
func NewTaiwan(cfg *config.Config, t pipeline.Transport, log *slog.Logger) *Gatherer {
	job := cfg.Jobs.Ticker
	var listings []gather.Listing
	if job.ListedPath != "" {
		listings = append(listings, gather.Listing{Path: job.ListedPath, Columns: ListedEntities, Suffix: twse.ListedSuffix})
	}
	if job.OTCPath != "" {
		listings = append(listings, gather.Listing{Path: job.OTCPath, Columns: OTCEntities, Suffix: twse.OTCSuffix})
	}
	return newGatherer(cfg, listings, twse.Columns, twse.Key, t, twse.Parser{}, log)
}

// NewAlpaca creates a Gatherer over the ticker listing at EntitiesPath that
// reads bars from the Alpaca market-data API.
func NewAlpaca(cfg *config.Config, t *alpacabars.Transport, log *slog.Logger) *Gatherer {
	listings := []gather.Listing{{Path: cfg.Jobs.Ticker.EntitiesPath, Columns: Entities}}
	return newGatherer(cfg, listings, alpacabars.Columns, alpacabars.Key, t, alpacabars.Parser{}, log)
}

func newGatherer(cfg *config.Config, listings []gather.Listing, columns []string, key pipeline.KeyFunc,
	t pipeline.Transport, p pipeline.Parser, log *slog.Logger) *Gatherer {
	job := cfg.Jobs.Ticker
	return &Gatherer{
		runner: gather.NewRunner(cfg, log),
		spec: gather.Spec{
			Name:         Name,
			CalendarPath: job.CalendarPath,
			Listings:     listings,
			OutputPath:   job.OutputPath,
			Columns:      columns,
			EntityColumn: "Ticker",
			DateColumn:   "Date",
			Key:          key,
			Transport:    t,
			Parser:       p,
			Export:       Export,
		},
		log: log.With("gatherer", Name),
	}
}

// Name returns the gatherer identifier.
func (g *Gatherer) Name() string { return Name }

// Spec returns the job the gatherer runs.
func (g *Gatherer) Spec() gather.Spec { return g.spec }

// Run performs one resumable pass over every ticker.
func (g *Gatherer) Run(ctx context.Context) error {
	res, err := g.runner.Run(ctx, g.spec)
	if res != nil {
		g.log.Info("ticker pass finished", "phase", res.Phase.String(), "rows", res.Totals.Rows,
			"skipped", res.Totals.Skipped)
	}
	return err
}

// Export writes the ticker output as yearly Parquet snapshots.
func Export(csvPath, dir string) (int, int, error) {
	return store.ExportParquet(csvPath, dir, "Date", toRecord)
}

func toRecord(r store.CSVRow) (store.DailyBarRecord, error) {
	rec := store.DailyBarRecord{Ticker: r.Get("Ticker"), Date: r.Get("Date")}
	prices := []struct {
		col string
		dst *float64
	}{
		{"Open", &rec.Open}, {"High", &rec.High}, {"Low", &rec.Low}, {"Close", &rec.Close},
	}
	for _, p := range prices {
		v, err := strconv.ParseFloat(r.Get(p.col), 64)
		if err != nil {
			return rec, fmt.Errorf("%s: %w", p.col, err)
		}
		*p.dst = v
	}
	v, err := strconv.ParseInt(r.Get("Volume"), 10, 64)
	if err != nil {
		return rec, fmt.Errorf("Volume: %w", err)
	}
	rec.Volume = v
	return rec, nil
}
