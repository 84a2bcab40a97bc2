package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrQuorumNotReached is the cause of a round that collected fewer than
	// Quorum promises or accepts before its deadline.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrInvalidProposal is the cause of a proposal rejected before any network activity.
	ErrInvalidProposal = errors.New("invalid proposal")
)

// RoundAbortedError is returned by Propose when a phase fails.
// errors.Cause of it yields the underlying failure, usually ErrQuorumNotReached.
type RoundAbortedError struct {
	// Phase is the state the round was in when it failed;
	// StatePreparing or StateAccepting.
	Phase          State
	SequenceNumber uint64
	Err            error
}

func (e *RoundAbortedError) Error() string {
	return fmt.Sprintf("round:%v aborted while %v: %v", e.SequenceNumber, e.Phase, e.Err)
}

// Cause implements the causer interface used by errors.Cause.
func (e *RoundAbortedError) Cause() error { return e.Err }

// Unwrap lets errors.Is and errors.As see the underlying failure.
func (e *RoundAbortedError) Unwrap() error { return e.Err }
