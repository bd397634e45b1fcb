package userstream

import "fmt"

// State is the lifecycle state of an account's private channel.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the forward edges. Any state may move to Closed.
var transitions = map[State][]State{
	StateClosed:   {StateOpening},
	StateOpening:  {StateOpen, StateDegraded},
	StateOpen:     {StateDegraded},
	StateDegraded: {},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	if next == StateClosed {
		return s != StateClosed
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether the channel holds or is acquiring a session token.
func (s State) Live() bool {
	return s == StateOpening || s == StateOpen
}

// StateChange is delivered to observers after every transition.
type StateChange struct {
	AccountID int64
	RunID     string
	From      State
	To        State
	Err       error
}
