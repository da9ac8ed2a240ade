package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tsfetch/internal/domain"
	"tsfetch/internal/store"
	"tsfetch/internal/util"
)

// SchedulerConfig controls entity-level concurrency and pacing.
type SchedulerConfig struct {
	EntityConcurrency int
	ChunkSize         int
	CourtesyDelay     time.Duration
	SkipSoftFails     bool // record soft failures as skipped instead of stalling
}

// Plan is the pending work for one entity together with the writer that
// owns its buffered records.
type Plan struct {
	Entity domain.Entity
	Dates  []string
	Writer *BatchWriter
}

// Scheduler runs entity pipelines with a bounded number of active entities.
type Scheduler struct {
	cfg      SchedulerConfig
	runner   *ChunkRunner
	parser   Parser
	state    *RunState
	observer Observer
	log      *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig, runner *ChunkRunner, parser Parser, state *RunState, observer Observer, log *slog.Logger) *Scheduler {
	if cfg.EntityConcurrency < 1 {
		cfg.EntityConcurrency = 1
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 1
	}
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		parser:   parser,
		state:    state,
		observer: observerOrNop(observer),
		log:      log,
	}
}

// Run processes plans until all complete, ctx is cancelled, or an entity
// hits a non-recoverable storage error. Unit failures never surface here.
func (s *Scheduler) Run(ctx context.Context, plans []Plan) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EntityConcurrency)
	for _, p := range plans {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return s.runEntity(gctx, p)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runEntity(ctx context.Context, p Plan) error {
	if ctx.Err() != nil {
		return nil
	}
	id := p.Entity.ID
	log := s.log.With("entity", id)
	s.observer.EntityActive(1)
	defer s.observer.EntityActive(-1)

	log.Info("entity start", "pending", len(p.Dates))
	flushCtx := context.WithoutCancel(ctx)
	before := p.Writer.Written()
	defer func() { s.state.rows(id, p.Writer.Written()-before) }()

	stopped := false
	for start := 0; start < len(p.Dates) && !stopped; start += s.cfg.ChunkSize {
		if start > 0 {
			if err := util.Sleep(ctx, s.cfg.CourtesyDelay); err != nil {
				break
			}
		}
		end := min(start+s.cfg.ChunkSize, len(p.Dates))
		chunk := p.Dates[start:end]
		log.Debug("running chunk", "from", chunk[0], "to", chunk[len(chunk)-1], "units", len(chunk))

		results := s.runner.RunChunk(ctx, p.Entity, chunk)
		stopped = s.absorb(log, p, results)

		if err := p.Writer.MaybeFlush(flushCtx); err != nil {
			return err
		}
	}

	if err := p.Writer.Flush(flushCtx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		log.Info("entity interrupted")
		return nil
	}
	s.state.complete(id)
	if st, ok := s.state.Entity(id); ok && st.StalledAt != "" {
		log.Warn("entity stalled", "date", st.StalledAt)
	} else {
		log.Info("entity complete")
	}
	return nil
}

// absorb applies the no-gap rule to a chunk's results: records are buffered
// in date order up to the first unit that cannot be resolved. It reports
// whether the entity must stop for this run.
func (s *Scheduler) absorb(log *slog.Logger, p Plan, results []ChunkResult) bool {
	id := p.Entity.ID
	for i, r := range results {
		unit := domain.Unit{Entity: p.Entity, Date: r.Date}
		out := r.Outcome

		var rows [][]string
		if out.Kind == Success {
			parsed, err := s.parser.Parse(unit, out.Payload)
			if err != nil {
				perr := &ParseError{Unit: unit.String(), Err: err}
				out = Outcome{Kind: SoftFail, Reason: "parse", Attempts: out.Attempts, Err: perr}
			} else {
				rows = parsed
			}
		}
		s.state.record(id, out)
		s.observer.UnitDone(out.Kind)

		switch out.Kind {
		case Success:
			if len(rows) == 0 {
				p.Writer.Append(Record{Unit: unit, Mark: store.MarkEmpty})
			} else {
				p.Writer.Append(Record{Unit: unit, Rows: rows})
			}
			continue

		case SoftFail:
			if s.cfg.SkipSoftFails {
				log.Warn("skipping unit", "date", r.Date, "reason", out.Reason, "error", out.Err)
				s.state.skipped(id)
				p.Writer.Append(Record{Unit: unit, Mark: store.MarkSkipped, Reason: softFailReason(out)})
				continue
			}
			log.Warn("unit soft-failed, entity will retry next run", "date", r.Date, "reason", out.Reason, "error", out.Err)
			s.state.stall(id, r.Date)

		case HardFail:
			s.state.stall(id, r.Date)

		case Cancelled:
		}

		s.discard(id, results[i+1:])
		if rest := len(results) - i - 1; rest > 0 && out.Kind != Cancelled {
			log.Info("discarding results after unresolved unit", "date", r.Date, "discarded", rest)
		}
		return true
	}
	return false
}

// discard counts outcomes that will not be persisted this run.
func (s *Scheduler) discard(id string, results []ChunkResult) {
	for _, r := range results {
		s.state.record(id, r.Outcome)
		s.observer.UnitDone(r.Outcome.Kind)
	}
}

func softFailReason(o Outcome) string {
	if o.Err == nil {
		return o.Reason
	}
	var perr *ParseError
	if errors.As(o.Err, &perr) {
		return "parse: " + perr.Err.Error()
	}
	return o.Reason + ": " + o.Err.Error()
}
