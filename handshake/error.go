package handshake

import (
	"errors"
	"fmt"
)

// Error is returned by a failed handshake. It records the state the handshake
// had reached when it failed, and whether the failure was an explicit
// rejection from the remote peer rather than a local validation or transport
// failure.
type Error struct {
	error
	State    State
	Rejected bool
}

func newErr(state State, err error) error {
	return Error{
		error: fmt.Errorf("handshake failed in state=%v: %w", state, err),
		State: state,
	}
}

func newErrRejected(state State, err error) error {
	return Error{
		error:    fmt.Errorf("handshake rejected in state=%v: %w", state, err),
		State:    state,
		Rejected: true,
	}
}

// IsRejected returns true when the error represents an explicit rejection by
// the remote peer. A timeout or transport failure is not a rejection.
func IsRejected(err error) bool {
	hsErr := Error{}
	return errors.As(err, &hsErr) && hsErr.Rejected
}
