package bridge

// State tracks the lifecycle of a submitted task.
type State uint8

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StatePending:   "PENDING",
	StateRunning:   "RUNNING",
	StateCompleted: "COMPLETED",
	StateFailed:    "FAILED",
	StateCancelled: "CANCELLED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// pending tasks may fail without running when the scheduler is gone.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled, StateFailed},
	StateRunning: {StateCompleted, StateFailed, StateCancelled},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
