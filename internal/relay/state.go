package relay

import (
	"errors"
	"fmt"
	"time"
)

// State is the position of one delivery in the relay state machine.
type State int

const (
	StateValidating State = iota
	StateAwaitingConnectivity
	StateFunding
	// StateSubmitting covers submission and the concurrent confirmation watch.
	StateSubmitting
	StateFinalizing
	StateAcknowledged
)

var stateNames = [...]string{
	StateValidating:           "validating",
	StateAwaitingConnectivity: "awaiting-connectivity",
	StateFunding:              "funding",
	StateSubmitting:           "submitting",
	StateFinalizing:           "finalizing",
	StateAcknowledged:         "acknowledged",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Outcomes reported once a delivery is acknowledged or requeued.
const (
	OutcomeComplete  = "complete"
	OutcomeError     = "error"
	OutcomeDropped   = "dropped"
	OutcomeDuplicate = "duplicate"
	OutcomeRequeued  = "requeued"
)

// ErrBallotTimeout is the cause recorded when a ballot exceeds its deadline.
var ErrBallotTimeout = errors.New("ballot timed out")

// StageError is a terminal ballot failure and the state it happened in.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Update describes a state change of one ballot, for observers such as the TUI.
type Update struct {
	BallotID string
	Voter    string
	State    State
	TxHash   string
	Err      string
	// Outcome is set on the final update of a delivery
	Outcome string
	At      time.Time
}
