// Package gather wires data sources into resumable fetch runs: it loads the
// job inputs, opens the durable stores and the operator listeners, and drives
// one pipeline.Orchestrator per run.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"tsfetch/internal/api"
	"tsfetch/internal/calendar"
	"tsfetch/internal/config"
	"tsfetch/internal/domain"
	"tsfetch/internal/metrics"
	"tsfetch/internal/pipeline"
	"tsfetch/internal/store"
	"tsfetch/internal/util"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one resumable pass. It returns when every entity is up to
	// date, stalled, or ctx is cancelled.
	Run(ctx context.Context) error
}

// EntityColumns names the columns of an entity listing. Name and Group are
// optional.
type EntityColumns struct {
	ID    string
	Name  string
	Group string
}

// LoadEntities reads the entity listing at path. Rows with a blank id are
// skipped and repeated ids keep their first occurrence. A missing file,
// missing columns or an empty listing is a *pipeline.ConfigError.
func LoadEntities(path string, cols EntityColumns) ([]domain.Entity, error) {
	required := []string{cols.ID}
	if cols.Name != "" {
		required = append(required, cols.Name)
	}
	if cols.Group != "" {
		required = append(required, cols.Group)
	}

	seen := make(map[string]bool)
	var out []domain.Entity
	err := store.ScanCSV(path, required, func(r store.CSVRow) error {
		id := r.Get(cols.ID)
		if id == "" || seen[id] {
			return nil
		}
		seen[id] = true
		e := domain.Entity{ID: id}
		if cols.Name != "" {
			e.Name = r.Get(cols.Name)
		}
		if cols.Group != "" {
			e.GroupID = r.Get(cols.Group)
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, &pipeline.ConfigError{Source: path, Err: err}
	}
	if len(out) == 0 {
		return nil, &pipeline.ConfigError{Source: path, Err: errors.New("entity list is empty")}
	}
	return out, nil
}

// Listing is one entity listing file of a job. Suffix is appended to every
// id read from it.
type Listing struct {
	Path    string
	Columns EntityColumns
	Suffix  string
}

// LoadListings reads every listing in order, resolving paths with resolve.
// An id repeated across listings keeps its first occurrence.
func LoadListings(listings []Listing, resolve func(string) string) ([]domain.Entity, error) {
	if len(listings) == 0 {
		return nil, &pipeline.ConfigError{Source: "entities", Err: errors.New("no entity listing configured")}
	}
	seen := make(map[string]bool)
	var out []domain.Entity
	for _, l := range listings {
		entities, err := LoadEntities(resolve(l.Path), l.Columns)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			e.ID += l.Suffix
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out, nil
}

// Spec describes one job: where its inputs live, the output schema and the
// source that produces rows for it.
type Spec struct {
	Name string

	CalendarPath string
	Listings     []Listing
	OutputPath   string

	Columns      []string // output header
	EntityColumn string   // output column holding the entity id
	DateColumn   string   // output column holding the unit date

	Key       pipeline.KeyFunc
	Transport pipeline.Transport
	Parser    pipeline.Parser

	// Export converts the output CSV into yearly Parquet files in dir. Nil
	// disables export for the job. Runner.Export gives every job its own dir.
	Export func(csvPath, dir string) (exported, skipped int, err error)
}

const flushRetryBackoff = time.Second

// Runner executes Specs with the settings of one configuration.
type Runner struct {
	cfg *config.Config
	log *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg *config.Config, log *slog.Logger) *Runner {
	return &Runner{cfg: cfg, log: log}
}

// Options maps the configuration onto orchestrator options for one run.
func (r *Runner) Options(runID string) pipeline.Options {
	f, p := r.cfg.Fetch, r.cfg.Pipeline
	return pipeline.Options{
		RunID: runID,
		Executor: pipeline.ExecutorConfig{
			MaxRetries:  f.MaxRetries,
			RetryBase:   f.RetryBase.D(),
			Timeout:     f.Timeout.D(),
			MaxInFlight: f.MaxInFlight,
			Identities:  f.UserAgents,
		},
		Scheduler: pipeline.SchedulerConfig{
			EntityConcurrency: p.EntityConcurrency,
			ChunkSize:         p.ChunkSize,
			CourtesyDelay:     p.CourtesyDelay.D(),
			SkipSoftFails:     p.SoftFailPolicy == config.SoftFailSkip,
		},
		FlushThreshold:    p.FlushThreshold,
		FlushRetries:      p.FlushRetries,
		FlushRetryBackoff: flushRetryBackoff,
		RateLimiter:       util.NewRateLimiter(f.RateLimitPerMin, f.MaxInFlight),
	}
}

// Run performs one run of spec. The Result is non-nil whenever the
// orchestrator started; the error is non-nil when the run aborted. The
// output CSV and the ledger are opened in the Init phase, so a corrupt
// output still ends in an Aborted phase with a summary.
func (r *Runner) Run(ctx context.Context, spec Spec) (*pipeline.Result, error) {
	runID := uuid.NewString()
	log := r.log.With("job", spec.Name, "run_id", runID)
	outputPath := r.cfg.Path(spec.OutputPath)

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()

	rec := metrics.NewRecorder(spec.Name)
	if addr := r.cfg.Server.MetricsAddr; addr != "" {
		go func() {
			if err := rec.Serve(serveCtx, addr, log); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}
	var health *api.Server
	if addr := r.cfg.Server.GRPCAddr; addr != "" {
		health = api.NewServer(addr, spec.Name, log)
		go func() {
			if err := health.ListenAndServe(serveCtx); err != nil {
				log.Error("health server failed", "error", err)
			}
		}()
	}

	var ledger *store.Ledger
	job := pipeline.Job{
		Name: spec.Name,
		Calendar: func() ([]string, error) {
			return calendar.Load(r.cfg.Path(spec.CalendarPath))
		},
		Entities: func() ([]domain.Entity, error) {
			return LoadListings(spec.Listings, r.cfg.Path)
		},
		Open: func(ctx context.Context) (pipeline.Stores, error) {
			sink, err := store.NewCSVSink(outputPath, spec.Columns)
			if err != nil {
				return pipeline.Stores{}, fmt.Errorf("output %s: %w", outputPath, err)
			}
			if n := sink.Trimmed(); n > 0 {
				log.Warn("dropped partial trailing line from interrupted write", "path", outputPath, "bytes", n)
			}
			ledger, err = store.OpenLedger(r.cfg.Path(r.cfg.Storage.LedgerPath), runID)
			if err != nil {
				return pipeline.Stores{}, fmt.Errorf("ledger: %w", err)
			}
			return pipeline.Stores{Rows: sink, Marks: ledger, Close: ledger.Close}, nil
		},
		Checkpoints: func(ctx context.Context) (map[string]string, error) {
			cps, err := store.LoadCheckpoints(outputPath, spec.EntityColumn, spec.DateColumn, log)
			if err != nil {
				return nil, err
			}
			marks, err := ledger.MaxMarks(ctx, spec.Name)
			if err != nil {
				return nil, fmt.Errorf("reading ledger marks: %w", err)
			}
			return store.MergeCheckpoints(cps, marks), nil
		},
		Key:       spec.Key,
		Transport: spec.Transport,
		Parser:    spec.Parser,
	}

	opts := r.Options(runID)
	opts.Observer = rec
	opts.OnPhase = func(p pipeline.Phase) {
		rec.SetPhase(p)
		if health != nil {
			health.SetPhase(p)
		}
	}

	res, runErr := pipeline.NewOrchestrator(job, opts, r.log).Run(ctx)
	if runErr != nil {
		return res, runErr
	}

	if r.cfg.Storage.ParquetDir != "" && spec.Export != nil {
		exported, skipped, err := r.Export(spec)
		if err != nil {
			return res, fmt.Errorf("exporting parquet: %w", err)
		}
		log.Info("parquet export complete", "dir", r.ExportDir(spec.Name), "rows", exported, "skipped", skipped)
	}
	return res, nil
}

// ExportDir is the Parquet directory of the job named name.
func (r *Runner) ExportDir(name string) string {
	return r.cfg.Path(filepath.Join(r.cfg.Storage.ParquetDir, name))
}

// Export converts the output CSV of spec into Parquet under ExportDir, so
// jobs sharing a parquet_dir never overwrite each other's years.
func (r *Runner) Export(spec Spec) (exported, skipped int, err error) {
	if spec.Export == nil {
		return 0, 0, fmt.Errorf("job %s has no export", spec.Name)
	}
	return spec.Export(r.cfg.Path(spec.OutputPath), r.ExportDir(spec.Name))
}
