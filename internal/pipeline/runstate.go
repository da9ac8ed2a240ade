package pipeline

import (
	"sort"
	"sync"
)

// EntitySummary holds per-entity counters for end-of-run reporting.
type EntitySummary struct {
	Entity     string `json:"entity"`
	Pending    int    `json:"pending"` // units enumerated at start
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	SoftFailed int    `json:"soft_failed"`
	HardFailed int    `json:"hard_failed"`
	Cancelled  int    `json:"cancelled"`
	Skipped    int    `json:"skipped"` // soft fails recorded as skipped
	Retries    int    `json:"retries"`
	Rows       int    `json:"rows"`
	StalledAt  string `json:"stalled_at,omitempty"`
	Complete   bool   `json:"complete"`
}

// RunState is the process-local progress of one run. It is threaded
// explicitly through the orchestrator and scheduler; nothing is persisted.
type RunState struct {
	mu       sync.Mutex
	entities map[string]*EntitySummary
}

// NewRunState returns an empty RunState.
func NewRunState() *RunState {
	return &RunState{entities: make(map[string]*EntitySummary)}
}

func (s *RunState) entry(id string) *EntitySummary {
	e, ok := s.entities[id]
	if !ok {
		e = &EntitySummary{Entity: id}
		s.entities[id] = e
	}
	return e
}

func (s *RunState) plan(id string, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(id).Pending = pending
}

func (s *RunState) record(id string, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(id)
	if o.Attempts > 1 {
		e.Retries += o.Attempts - 1
	}
	switch o.Kind {
	case Success:
		e.Attempted++
		e.Succeeded++
	case SoftFail:
		e.Attempted++
		e.SoftFailed++
	case HardFail:
		e.Attempted++
		e.HardFailed++
	case Cancelled:
		if o.Attempts > 0 {
			e.Attempted++
		}
		e.Cancelled++
	}
}

func (s *RunState) skipped(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(id).Skipped++
}

func (s *RunState) rows(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(id).Rows += n
}

func (s *RunState) stall(id, date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(id)
	if e.StalledAt == "" {
		e.StalledAt = date
	}
}

func (s *RunState) complete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(id).Complete = true
}

// Entity returns a copy of one entity's counters.
func (s *RunState) Entity(id string) (EntitySummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return EntitySummary{}, false
	}
	return *e, true
}

// Snapshot returns copies of all entity counters sorted by entity id, plus
// their totals.
func (s *RunState) Snapshot() ([]EntitySummary, EntitySummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntitySummary, 0, len(s.entities))
	var total EntitySummary
	total.Entity = "*"
	for _, e := range s.entities {
		out = append(out, *e)
		total.Pending += e.Pending
		total.Attempted += e.Attempted
		total.Succeeded += e.Succeeded
		total.SoftFailed += e.SoftFailed
		total.HardFailed += e.HardFailed
		total.Cancelled += e.Cancelled
		total.Skipped += e.Skipped
		total.Retries += e.Retries
		total.Rows += e.Rows
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, total
}
