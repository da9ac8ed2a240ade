package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"tsfetch/internal/domain"
	"tsfetch/internal/util"
)

// Transport performs one raw fetch. The key addresses the unit at the remote
// source and identity is the request identity token (for HTTP sources, the
// User-Agent).
type Transport interface {
	FetchRaw(ctx context.Context, key, identity string) ([]byte, error)
}

// Parser turns a raw payload into output rows. An empty result is a valid
// "no data for this unit" answer.
type Parser interface {
	Parse(unit domain.Unit, payload []byte) ([][]string, error)
}

// KeyFunc derives the transport key for a unit.
type KeyFunc func(domain.Unit) string

// Fetcher executes one unit. *Executor is the production implementation.
type Fetcher interface {
	FetchOne(ctx context.Context, unit domain.Unit) Outcome
}

// ExecutorConfig holds the retry and concurrency settings of an Executor.
type ExecutorConfig struct {
	MaxRetries  int
	RetryBase   time.Duration
	Timeout     time.Duration
	MaxInFlight int
	Identities  []string
}

// Executor wraps a Transport with per-attempt timeout, bounded retries with
// jittered exponential backoff, and the run-wide in-flight limit.
type Executor struct {
	cfg       ExecutorConfig
	transport Transport
	key       KeyFunc
	inFlight  *semaphore.Weighted
	limiter   *util.RateLimiter
	observer  Observer
	log       *slog.Logger

	sleep  func(context.Context, time.Duration) error
	jitter func(time.Duration) time.Duration
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithRateLimiter throttles transport calls through rl.
func WithRateLimiter(rl *util.RateLimiter) ExecutorOption {
	return func(e *Executor) { e.limiter = rl }
}

// WithObserver reports retries and in-flight changes to o.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = observerOrNop(o) }
}

// NewExecutor creates an Executor. The in-flight limit is shared by every
// caller of the returned Executor.
func NewExecutor(cfg ExecutorConfig, transport Transport, key KeyFunc, log *slog.Logger, opts ...ExecutorOption) *Executor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	e := &Executor{
		cfg:       cfg,
		transport: transport,
		key:       key,
		inFlight:  semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		observer:  nopObserver{},
		log:       log,
		sleep:     util.Sleep,
		jitter:    util.Jitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FetchOne executes a unit with retries. It never returns an error: every
// failure is folded into the Outcome.
func (e *Executor) FetchOne(ctx context.Context, unit domain.Unit) Outcome {
	key := e.key(unit)
	log := e.log.With("unit", unit.String())
	log.Debug("unit start", "key", key)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: Cancelled, Attempts: attempt - 1, Err: err}
		}

		payload, err := e.attempt(ctx, key)
		if err == nil {
			return Outcome{Kind: Success, Payload: payload, Attempts: attempt}
		}
		if cerr := ctx.Err(); cerr != nil {
			return Outcome{Kind: Cancelled, Attempts: attempt, Err: cerr}
		}
		lastErr = err

		if errors.Is(err, ErrNoData) {
			log.Info("no data for unit", "attempt", attempt)
			return Outcome{Kind: SoftFail, Reason: "no_data", Attempts: attempt, Err: err}
		}
		if !IsTransient(err) {
			log.Error("unit failed with non-retryable error", "attempt", attempt, "error", err)
			return Outcome{Kind: HardFail, Reason: "terminal", Attempts: attempt, Err: err}
		}
		if attempt == e.cfg.MaxRetries {
			break
		}

		delay := util.Backoff(e.cfg.RetryBase, attempt)
		delay += e.jitter(delay)
		log.Warn("retrying unit",
			"attempt", attempt,
			"max_retries", e.cfg.MaxRetries,
			"backoff", delay,
			"reason", failureReason(err),
			"error", err,
		)
		e.observer.Retry()
		if serr := e.sleep(ctx, delay); serr != nil {
			return Outcome{Kind: Cancelled, Attempts: attempt, Err: serr}
		}
	}

	log.Error("unit hard-failed after retries",
		"attempts", e.cfg.MaxRetries,
		"reason", failureReason(lastErr),
		"error", lastErr,
	)
	return Outcome{Kind: HardFail, Reason: failureReason(lastErr), Attempts: e.cfg.MaxRetries, Err: lastErr}
}

// attempt makes a single transport call. The in-flight slot is held only for
// the duration of the call.
func (e *Executor) attempt(ctx context.Context, key string) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := e.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.inFlight.Release(1)
	e.observer.InFlight(1)
	defer e.observer.InFlight(-1)

	actx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	payload, err := e.transport.FetchRaw(actx, key, e.identity())
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("fetch timed out after %s: %w (%w)", e.cfg.Timeout, context.DeadlineExceeded, err)
	}
	return payload, err
}

func (e *Executor) identity() string {
	if len(e.cfg.Identities) == 0 {
		return ""
	}
	return e.cfg.Identities[rand.IntN(len(e.cfg.Identities))]
}

func failureReason(err error) string {
	var ne net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection_reset"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
