package orchestrator

// State is the position of a purchase attempt in its lifecycle
type State int

const (
	StateIdle State = iota
	StateRequested
	StatePending
	StateReceived
	StateVerifying
	StateFinalized
	StateFailed
	StateError
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateRequested: "requested",
	StatePending:   "pending",
	StateReceived:  "received",
	StateVerifying: "verifying",
	StateFinalized: "finalized",
	StateFailed:    "failed",
	StateError:     "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition happens for this instance.
// Error is not terminal: the store redelivers the transaction.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}
