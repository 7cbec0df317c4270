package network

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWidth is returned for a parallel width below one.
	ErrInvalidWidth = errors.New("parallel width must be positive")

	// ErrTagOutOfRange is returned when a jsid is outside [0, K).
	ErrTagOutOfRange = errors.New("job session id out of range")

	// ErrDuplicateTag is returned when a jsid registers twice in the same round.
	ErrDuplicateTag = errors.New("job session id already registered in this round")

	// ErrRoundInFlight is returned by SetParallel while a round is being formed.
	ErrRoundInFlight = errors.New("cannot change parallel width while a round is in flight")

	// ErrInvalidSenders is returned by ReceiveAll for a malformed sender list.
	ErrInvalidSenders = errors.New("invalid sender list")

	// ErrAborted is reported to every participant of an aborted round.
	ErrAborted = errors.New("round aborted")
)

// RoundError reports a failed physical transport call. Every participant of
// the round receives the same RoundError, whichever jsid the failing call
// belonged to.
type RoundError struct {
	Op    string
	Tag   int
	Peers []int
	Err   error
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("%s round failed at jsid %d (peers %v): %v", e.Op, e.Tag, e.Peers, e.Err)
}

func (e *RoundError) Unwrap() error {
	return e.Err
}
