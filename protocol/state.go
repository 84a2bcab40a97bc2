package protocol

import "fmt"

// State is where a round is in its life.
//
//	IDLE -> PREPARING -> {QUORUM_FAILED | PROMISED} -> ACCEPTING -> {QUORUM_FAILED | ACCEPTED} -> COMMITTING -> DONE
type State int

const (
	StateIdle State = iota
	StatePreparing
	StatePromised
	StateAccepting
	StateAccepted
	StateCommitting
	StateDone
	StateQuorumFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePreparing:
		return "PREPARING"
	case StatePromised:
		return "PROMISED"
	case StateAccepting:
		return "ACCEPTING"
	case StateAccepted:
		return "ACCEPTED"
	case StateCommitting:
		return "COMMITTING"
	case StateDone:
		return "DONE"
	case StateQuorumFailed:
		return "QUORUM_FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether a round in state s is over.
func (s State) Terminal() bool {
	return s == StateDone || s == StateQuorumFailed
}

// transitions lists the states each state may move to.
var transitions = map[State][]State{
	StateIdle:       {StatePreparing},
	StatePreparing:  {StatePromised, StateQuorumFailed},
	StatePromised:   {StateAccepting},
	StateAccepting:  {StateAccepted, StateQuorumFailed},
	StateAccepted:   {StateCommitting},
	StateCommitting: {StateDone},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
