package stream

import "fmt"

// State is the lifecycle state of a feed Connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ExhaustedRetries
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ExhaustedRetries:
		return "exhausted_retries"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal moves out of each state
var transitions = map[State][]State{
	Disconnected:     {Connecting, ExhaustedRetries},
	Connecting:       {Connected, Disconnected},
	Connected:        {Disconnected},
	ExhaustedRetries: {Connecting, Disconnected},
}

// CanTransition reports whether moving from s to next is legal
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
