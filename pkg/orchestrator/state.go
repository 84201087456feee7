package orchestrator

import "slices"

// State is a stage of the login-then-browse flow.
type State int

const (
	Idle State = iota
	CapturingLogin
	Verifying
	FetchingPolicy
	RunningSession
	Closing
	Terminated
	Failed
)

// validTransitions defines allowed state transitions. Every non-final state
// may fail.
var validTransitions = map[State][]State{
	Idle:           {CapturingLogin},
	CapturingLogin: {Verifying, Failed},
	Verifying:      {FetchingPolicy, Failed},
	FetchingPolicy: {RunningSession, Failed},
	RunningSession: {Closing, Failed},
	Closing:        {Terminated},
	Terminated:     {},
	Failed:         {},
}

// CanTransitionTo checks if a transition from s to next is valid.
func (s State) CanTransitionTo(next State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return slices.Contains(allowed, next)
}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CapturingLogin:
		return "capturing_login"
	case Verifying:
		return "verifying"
	case FetchingPolicy:
		return "fetching_policy"
	case RunningSession:
		return "running_session"
	case Closing:
		return "closing"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Final reports whether no transition leaves s.
func (s State) Final() bool {
	return s == Terminated || s == Failed
}
