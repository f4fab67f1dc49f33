package executor

// State is a job's position in its lifecycle:
//
//	Created → Provisioned → Injected → Running → {Completed | TimedOut | Failed} → Cleaned
//
// Any state before Cleaned may move to Failed.
type State int

const (
	StateCreated State = iota
	StateProvisioned
	StateInjected
	StateRunning
	StateCompleted
	StateTimedOut
	StateFailed
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateProvisioned:
		return "provisioned"
	case StateInjected:
		return "injected"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// terminal reports whether s is one of the three run outcomes.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// canTransition reports whether from → to is a legal edge.
func canTransition(from, to State) bool {
	switch to {
	case StateFailed:
		return from < StateCompleted
	case StateCleaned:
		return from.terminal()
	case StateCompleted, StateTimedOut:
		return from == StateRunning
	default:
		return to == from+1
	}
}
