package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsfetch/internal/domain"
)

var testUnit = domain.Unit{Entity: domain.Entity{ID: "9200"}, Date: "2024-03-05"}

// newTestExecutor returns an Executor whose backoff sleeps are recorded
// instead of slept.
func newTestExecutor(cfg ExecutorConfig, tr Transport) (*Executor, *[]time.Duration) {
	e := NewExecutor(cfg, tr, unitKey, discardLogger())
	var mu sync.Mutex
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return ctx.Err()
	}
	return e, &slept
}

func failingTimes(k int, err error) *funcTransport {
	var n atomic.Int64
	return &funcTransport{fn: func(context.Context, string, string) ([]byte, error) {
		if int(n.Add(1)) <= k {
			return nil, err
		}
		return []byte("ok"), nil
	}}
}

func TestFetchOneRetriesWithinBudget(t *testing.T) {
	const base = 100 * time.Millisecond
	for k := 0; k < 4; k++ {
		t.Run(fmt.Sprintf("failures=%d", k), func(t *testing.T) {
			tr := failingTimes(k, fmt.Errorf("status 503: %w", ErrTransient))
			e, slept := newTestExecutor(ExecutorConfig{MaxRetries: 4, RetryBase: base, MaxInFlight: 1}, tr)

			out := e.FetchOne(context.Background(), testUnit)

			require.Equal(t, Success, out.Kind)
			assert.Equal(t, []byte("ok"), out.Payload)
			assert.Equal(t, k+1, out.Attempts)
			assert.EqualValues(t, k+1, tr.calls.Load())
			require.Len(t, *slept, k)
			for i, d := range *slept {
				lo := base << i
				hi := lo + time.Duration(float64(lo)*0.3)
				assert.GreaterOrEqual(t, d, lo, "backoff %d", i+1)
				assert.LessOrEqual(t, d, hi, "backoff %d", i+1)
			}
		})
	}
}

func TestFetchOneExhaustsRetries(t *testing.T) {
	tr := failingTimes(100, fmt.Errorf("dial: %w", ErrTransient))
	e, slept := newTestExecutor(ExecutorConfig{MaxRetries: 4, RetryBase: time.Millisecond, MaxInFlight: 1}, tr)

	out := e.FetchOne(context.Background(), testUnit)

	assert.Equal(t, HardFail, out.Kind)
	assert.Equal(t, 4, out.Attempts)
	assert.EqualValues(t, 4, tr.calls.Load())
	assert.Len(t, *slept, 3)
	assert.Equal(t, "transient", out.Reason)
	assert.ErrorIs(t, out.Err, ErrTransient)
}

func TestFetchOneNonTransientFailsImmediately(t *testing.T) {
	tr := failingTimes(100, errors.New("status 404"))
	e, slept := newTestExecutor(ExecutorConfig{MaxRetries: 4, RetryBase: time.Millisecond, MaxInFlight: 1}, tr)

	out := e.FetchOne(context.Background(), testUnit)

	assert.Equal(t, HardFail, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.EqualValues(t, 1, tr.calls.Load())
	assert.Empty(t, *slept)
}

func TestFetchOneNoDataIsSoftFail(t *testing.T) {
	tr := failingTimes(100, fmt.Errorf("no bar: %w", ErrNoData))
	e, _ := newTestExecutor(ExecutorConfig{MaxRetries: 4, RetryBase: time.Millisecond, MaxInFlight: 1}, tr)

	out := e.FetchOne(context.Background(), testUnit)

	assert.Equal(t, SoftFail, out.Kind)
	assert.Equal(t, "no_data", out.Reason)
	assert.EqualValues(t, 1, tr.calls.Load())
}

func TestFetchOneTimeoutIsRetried(t *testing.T) {
	tr := &funcTransport{fn: func(ctx context.Context, _, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e, slept := newTestExecutor(ExecutorConfig{MaxRetries: 2, RetryBase: time.Millisecond, Timeout: 10 * time.Millisecond, MaxInFlight: 1}, tr)

	out := e.FetchOne(context.Background(), testUnit)

	assert.Equal(t, HardFail, out.Kind)
	assert.Equal(t, "timeout", out.Reason)
	assert.EqualValues(t, 2, tr.calls.Load())
	assert.Len(t, *slept, 1)
}

func TestFetchOneCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := failingTimes(100, fmt.Errorf("reset: %w", ErrTransient))
	e := NewExecutor(ExecutorConfig{MaxRetries: 4, RetryBase: time.Hour, MaxInFlight: 1}, tr, unitKey, discardLogger())
	e.jitter = func(time.Duration) time.Duration { return 0 }
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out := e.FetchOne(ctx, testUnit)

	assert.Equal(t, Cancelled, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.False(t, IsTransient(out.Err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.EqualValues(t, 1, tr.calls.Load())
}

func TestFetchOneRotatesIdentity(t *testing.T) {
	pool := []string{"ua-1", "ua-2", "ua-3"}
	var mu sync.Mutex
	seen := map[string]bool{}
	tr := &funcTransport{fn: func(_ context.Context, _, identity string) ([]byte, error) {
		mu.Lock()
		seen[identity] = true
		mu.Unlock()
		return []byte("ok"), nil
	}}
	e, _ := newTestExecutor(ExecutorConfig{MaxRetries: 1, MaxInFlight: 4, Identities: pool}, tr)

	for i := 0; i < 200; i++ {
		e.FetchOne(context.Background(), testUnit)
	}
	for id := range seen {
		assert.True(t, slices.Contains(pool, id), "identity %q not from pool", id)
	}
	assert.Greater(t, len(seen), 1)
}

func TestExecutorInFlightLimit(t *testing.T) {
	const limit = 3
	var active, peak atomic.Int32
	tr := &funcTransport{fn: func(context.Context, string, string) ([]byte, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		return []byte("ok"), nil
	}}
	e, _ := newTestExecutor(ExecutorConfig{MaxRetries: 1, MaxInFlight: limit}, tr)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.FetchOne(context.Background(), testUnit)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestRunChunkPreservesDateOrder(t *testing.T) {
	dates := []string{"2024-03-01", "2024-03-04", "2024-03-05", "2024-03-06"}
	tr := &funcTransport{fn: func(_ context.Context, key, _ string) ([]byte, error) {
		_, date := splitKey(key)
		// Earlier dates finish last.
		time.Sleep(time.Duration(len(dates)-slices.Index(dates, date)) * 5 * time.Millisecond)
		return []byte(date), nil
	}}
	e, _ := newTestExecutor(ExecutorConfig{MaxRetries: 1, MaxInFlight: len(dates)}, tr)

	results := NewChunkRunner(e).RunChunk(context.Background(), testUnit.Entity, dates)

	require.Len(t, results, len(dates))
	for i, r := range results {
		assert.Equal(t, dates[i], r.Date)
		assert.Equal(t, dates[i], string(r.Outcome.Payload))
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped transient", fmt.Errorf("status 429: %w", ErrTransient), true},
		{"plain", errors.New("status 404"), false},
		{"no data", ErrNoData, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEnumerate(t *testing.T) {
	cal := []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}

	got, stale := Enumerate(cal, "", false)
	assert.Equal(t, cal, got)
	assert.False(t, stale)

	got, stale = Enumerate(cal, "2024-01-03", true)
	assert.Equal(t, []string{"2024-01-04", "2024-01-05"}, got)
	assert.False(t, stale)

	got, stale = Enumerate(cal, "2024-01-05", true)
	assert.Empty(t, got)
	assert.False(t, stale)

	got, stale = Enumerate(cal, "2023-12-25", true)
	assert.Equal(t, cal, got)
	assert.True(t, stale)
}
