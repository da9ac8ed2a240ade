package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"tsfetch/internal/domain"
	"tsfetch/internal/store"
	"tsfetch/internal/util"
)

// Phase is the lifecycle state of a run.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseEnumerating
	PhaseRunning
	PhaseDraining
	PhaseDone
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseEnumerating:
		return "enumerating"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseDone:
		return "done"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Job binds one data source to its inputs and outputs.
type Job struct {
	Name string

	Calendar    func() ([]string, error)
	Entities    func() ([]domain.Entity, error)
	Checkpoints func(ctx context.Context) (map[string]string, error)

	Key       KeyFunc
	Transport Transport
	Parser    Parser

	Rows  store.RowSink
	Marks store.MarkStore // optional

	// Open, when set, opens the durable outputs during Init and replaces
	// Rows and Marks. Checkpoints is called after it.
	Open func(ctx context.Context) (Stores, error)
}

// Stores are the durable outputs of a job.
type Stores struct {
	Rows  store.RowSink
	Marks store.MarkStore // optional
	Close func() error    // optional, called once the run has ended
}

// Options are the run-wide tuning knobs.
type Options struct {
	RunID     string
	Executor  ExecutorConfig
	Scheduler SchedulerConfig

	FlushThreshold    int
	FlushRetries      int
	FlushRetryBackoff time.Duration

	RateLimiter *util.RateLimiter
	Observer    Observer
	OnPhase     func(Phase) // called on every transition
}

// Result summarizes a finished run.
type Result struct {
	RunID    string
	Job      string
	Phase    Phase
	Entities []EntitySummary
	Totals   EntitySummary
	Elapsed  time.Duration
}

// Orchestrator drives one run of a Job from checkpoint loading to the final
// drain.
type Orchestrator struct {
	job   Job
	opts  Options
	log   *slog.Logger
	state *RunState
	phase Phase
	close func() error
}

// NewOrchestrator creates an Orchestrator for job.
func NewOrchestrator(job Job, opts Options, log *slog.Logger) *Orchestrator {
	opts.Observer = observerOrNop(opts.Observer)
	return &Orchestrator{
		job:   job,
		opts:  opts,
		log:   log.With("job", job.Name, "run_id", opts.RunID),
		state: NewRunState(),
	}
}

// State returns the run's progress counters.
func (o *Orchestrator) State() *RunState { return o.state }

func (o *Orchestrator) enter(p Phase) {
	o.log.Info("phase", "from", o.phase.String(), "to", p.String())
	o.phase = p
	if o.opts.OnPhase != nil {
		o.opts.OnPhase(p)
	}
}

// Run executes the job. The returned Result is always populated; the error
// is non-nil when the run ends Aborted.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer o.closeStores()
	o.phase = PhaseInit
	if o.opts.OnPhase != nil {
		o.opts.OnPhase(PhaseInit)
	}

	plans, err := o.prepare(ctx)
	if err != nil {
		return o.finish(start, err)
	}

	o.enter(PhaseRunning)
	exec := NewExecutor(o.opts.Executor, o.job.Transport, o.job.Key, o.log,
		WithRateLimiter(o.opts.RateLimiter),
		WithObserver(o.opts.Observer),
	)
	sched := NewScheduler(o.opts.Scheduler, NewChunkRunner(exec), o.job.Parser, o.state, o.opts.Observer, o.log)
	runErr := sched.Run(ctx, plans)

	o.enter(PhaseDraining)
	if err := o.drain(plans); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	return o.finish(start, runErr)
}

// prepare loads inputs and builds per-entity plans (Init and Enumerating).
func (o *Orchestrator) prepare(ctx context.Context) ([]Plan, error) {
	calendar, err := o.job.Calendar()
	if err != nil {
		return nil, asConfigError("calendar", err)
	}
	if len(calendar) == 0 {
		return nil, &ConfigError{Source: "calendar", Err: errors.New("calendar is empty")}
	}
	entities, err := o.job.Entities()
	if err != nil {
		return nil, asConfigError("entities", err)
	}
	if o.job.Open != nil {
		st, err := o.job.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("opening outputs: %w", err)
		}
		o.job.Rows, o.job.Marks, o.close = st.Rows, st.Marks, st.Close
	}
	if o.job.Rows == nil {
		return nil, &ConfigError{Source: "outputs", Err: errors.New("no row sink")}
	}
	checkpoints, err := o.job.Checkpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoints: %w", err)
	}
	o.log.Info("inputs loaded",
		"calendar_days", len(calendar),
		"first", calendar[0],
		"last", calendar[len(calendar)-1],
		"entities", len(entities),
		"checkpoints", len(checkpoints),
	)

	o.enter(PhaseEnumerating)
	batchCfg := BatchConfig{
		Job:          o.job.Name,
		Threshold:    o.opts.FlushThreshold,
		Retries:      o.opts.FlushRetries,
		RetryBackoff: o.opts.FlushRetryBackoff,
	}
	var plans []Plan
	for _, e := range entities {
		cp, ok := checkpoints[e.ID]
		dates, stale := Enumerate(calendar, cp, ok)
		if stale {
			o.log.Warn("checkpoint not in calendar, refetching full calendar", "entity", e.ID, "checkpoint", cp)
		}
		if len(dates) == 0 {
			o.log.Info("entity up to date", "entity", e.ID, "checkpoint", cp)
			continue
		}
		o.state.plan(e.ID, len(dates))
		plans = append(plans, Plan{
			Entity: e,
			Dates:  dates,
			Writer: NewBatchWriter(batchCfg, e.ID, o.job.Rows, o.job.Marks, o.opts.Observer, o.log.With("entity", e.ID)),
		})
	}
	o.log.Info("enumerated work", "entities", len(plans))
	return plans, nil
}

// drain force-flushes every writer still holding records. It does not
// observe the run context, so an interrupted run still persists its buffers.
func (o *Orchestrator) drain(plans []Plan) error {
	ctx := context.Background()
	var result *multierror.Error
	for _, p := range plans {
		if p.Writer.Pending() == 0 {
			continue
		}
		o.log.Info("draining buffered records", "entity", p.Entity.ID, "pending", p.Writer.Pending())
		before := p.Writer.Written()
		if err := p.Writer.Flush(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		o.state.rows(p.Entity.ID, p.Writer.Written()-before)
	}
	return result.ErrorOrNil()
}

func (o *Orchestrator) finish(start time.Time, err error) (*Result, error) {
	if err != nil {
		o.enter(PhaseAborted)
	} else {
		o.enter(PhaseDone)
	}

	entities, totals := o.state.Snapshot()
	res := &Result{
		RunID:    o.opts.RunID,
		Job:      o.job.Name,
		Phase:    o.phase,
		Entities: entities,
		Totals:   totals,
		Elapsed:  time.Since(start),
	}
	for _, e := range entities {
		o.log.Info("entity summary",
			"entity", e.Entity,
			"pending", e.Pending,
			"succeeded", e.Succeeded,
			"soft_failed", e.SoftFailed,
			"hard_failed", e.HardFailed,
			"cancelled", e.Cancelled,
			"skipped", e.Skipped,
			"retries", e.Retries,
			"rows", e.Rows,
			"stalled_at", e.StalledAt,
			"complete", e.Complete,
		)
	}
	attrs := []any{
		"phase", res.Phase.String(),
		"entities", len(entities),
		"attempted", totals.Attempted,
		"succeeded", totals.Succeeded,
		"soft_failed", totals.SoftFailed,
		"hard_failed", totals.HardFailed,
		"cancelled", totals.Cancelled,
		"retries", totals.Retries,
		"rows", totals.Rows,
		"elapsed", res.Elapsed.Round(time.Millisecond).String(),
	}
	if err != nil {
		o.log.Error("run aborted", append(attrs, "error", err)...)
		return res, err
	}
	o.log.Info("run complete", attrs...)
	return res, nil
}

func (o *Orchestrator) closeStores() {
	if o.close == nil {
		return
	}
	if err := o.close(); err != nil {
		o.log.Warn("closing outputs", "error", err)
	}
}

func asConfigError(source string, err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return err
	}
	return &ConfigError{Source: source, Err: err}
}
