package poller

import "fmt"

// State is the engine phase. Cycles move
// Idle -> Scheduling -> PerAccountFetch -> Diffing -> Dispatching -> Idle;
// any phase may return to Idle early, and Stopped is terminal.
type State int

const (
	StateIdle State = iota
	StateScheduling
	StatePerAccountFetch
	StateDiffing
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduling:
		return "scheduling"
	case StatePerAccountFetch:
		return "per_account_fetch"
	case StateDiffing:
		return "diffing"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateStopped; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("poller: unknown state %q", b)
}

var transitions = map[State][]State{
	StateIdle:            {StateScheduling},
	StateScheduling:      {StatePerAccountFetch, StateIdle},
	StatePerAccountFetch: {StateDiffing, StateIdle},
	StateDiffing:         {StateDispatching, StateIdle},
	StateDispatching:     {StateIdle},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	if from == StateStopped {
		return false
	}
	if to == StateStopped {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
