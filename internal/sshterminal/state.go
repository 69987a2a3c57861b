package sshterminal

// State is a session lifecycle state.
type State string

const (
	StateCreated        State = "created"
	StateConnecting     State = "connecting"
	StateShellRequested State = "shell_requested"
	StateReady          State = "ready"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
)

var transitions = map[State][]State{
	StateCreated:        {StateConnecting, StateFailed},
	StateConnecting:     {StateShellRequested, StateFailed},
	StateShellRequested: {StateReady, StateFailed},
	StateReady:          {StateClosed},
}

func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the defined constants.
func (s State) IsValid() bool {
	switch s {
	case StateCreated, StateConnecting, StateShellRequested, StateReady, StateClosed, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition may leave s.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StateCallback is called after a session changes state. It runs outside
// all session and manager locks.
type StateCallback func(info Info, from, to State)
