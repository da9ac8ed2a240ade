package pipeline

// OutcomeKind tags the result of executing one unit.
type OutcomeKind int

const (
	// Success carries a raw payload.
	Success OutcomeKind = iota
	// SoftFail is a non-retryable miss: malformed or expected-absent data.
	SoftFail
	// HardFail is a transport failure that exhausted or bypassed retries.
	HardFail
	// Cancelled means the run was cancelled while the unit was pending.
	Cancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case SoftFail:
		return "soft_fail"
	case HardFail:
		return "hard_fail"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of FetchOne.
type Outcome struct {
	Kind     OutcomeKind
	Payload  []byte // Success only
	Reason   string // SoftFail/HardFail: short classification ("timeout", "parse", ...)
	Attempts int
	Err      error // last underlying error, if any
}
