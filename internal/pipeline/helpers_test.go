package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"tsfetch/internal/domain"
	"tsfetch/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcTransport adapts a function to Transport and counts calls.
type funcTransport struct {
	fn    func(ctx context.Context, key, identity string) ([]byte, error)
	calls atomic.Int64
}

func (t *funcTransport) FetchRaw(ctx context.Context, key, identity string) ([]byte, error) {
	t.calls.Add(1)
	return t.fn(ctx, key, identity)
}

// echoParser yields one row [entity, date, payload]. An empty payload yields
// no rows and the payload "bad" is a parse error.
type echoParser struct{}

func (echoParser) Parse(u domain.Unit, payload []byte) ([][]string, error) {
	switch string(payload) {
	case "":
		return nil, nil
	case "bad":
		return nil, errors.New("unexpected page layout")
	}
	return [][]string{{u.Entity.ID, u.Date, string(payload)}}, nil
}

// memSink is an in-memory RowSink. It fails the next failN calls, and
// records whether two appends ever overlapped.
type memSink struct {
	mu      sync.Mutex
	rows    [][]string
	calls   int
	failN   int
	active  atomic.Int32
	overlap atomic.Bool
}

func (s *memSink) AppendRows(_ context.Context, rows [][]string) error {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failN != 0 {
		if s.failN > 0 {
			s.failN--
		}
		return errors.New("disk full")
	}
	for _, r := range rows {
		s.rows = append(s.rows, append([]string(nil), r...))
	}
	return nil
}

func (s *memSink) snapshot() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.rows...)
}

// datesFor returns the persisted dates for entity in write order.
func (s *memSink) datesFor(entity string) []string {
	var out []string
	for _, r := range s.snapshot() {
		if r[0] == entity {
			out = append(out, r[1])
		}
	}
	return out
}

// maxDates mirrors store.LoadCheckpoints over the in-memory rows.
func (s *memSink) maxDates() map[string]string {
	out := make(map[string]string)
	for _, r := range s.snapshot() {
		if r[1] > out[r[0]] {
			out[r[0]] = r[1]
		}
	}
	return out
}

// memMarks is an in-memory MarkStore.
type memMarks struct {
	mu    sync.Mutex
	marks map[string]store.Mark // key entity@date
	failN int
}

func (m *memMarks) PutMarks(_ context.Context, _ string, marks []store.Mark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return errors.New("database is locked")
	}
	if m.marks == nil {
		m.marks = make(map[string]store.Mark)
	}
	for _, mk := range marks {
		m.marks[mk.Entity+"@"+mk.Date] = mk
	}
	return nil
}

func (m *memMarks) MaxMarks(_ context.Context, _ string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, mk := range m.marks {
		if mk.Date > out[mk.Entity] {
			out[mk.Entity] = mk.Date
		}
	}
	return out, nil
}

func (m *memMarks) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, mk := range m.marks {
		out = append(out, k+"="+mk.Kind)
	}
	sort.Strings(out)
	return out
}

// peakObserver tracks the peak number of active entities.
type peakObserver struct {
	nopObserver
	active atomic.Int32
	peak   atomic.Int32
}

func (o *peakObserver) EntityActive(delta int) {
	n := o.active.Add(int32(delta))
	for {
		p := o.peak.Load()
		if n <= p || o.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func splitKey(key string) (entity, date string) {
	entity, date, _ = strings.Cut(key, "@")
	return entity, date
}

func unitKey(u domain.Unit) string { return u.String() }
