package pipeline

// Observer receives pipeline events for metrics export. Implementations must
// be safe for concurrent use.
type Observer interface {
	UnitDone(kind OutcomeKind)
	Retry()
	// Flush reports one flush attempt and the rows it made durable, which
	// can be non-zero on a failed attempt.
	Flush(ok bool, rows int)
	EntityActive(delta int)
	InFlight(delta int)
}

type nopObserver struct{}

func (nopObserver) UnitDone(OutcomeKind) {}
func (nopObserver) Retry()               {}
func (nopObserver) Flush(bool, int)      {}
func (nopObserver) EntityActive(int)     {}
func (nopObserver) InFlight(int)         {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
