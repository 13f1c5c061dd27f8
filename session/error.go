package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when an operation is attempted on a session that has
// been shut down, either locally or by the remote peer hanging up.
var ErrClosed = errors.New("session closed")

// ErrRecvTimeout is returned when no message arrives within the receive
// window. The session itself remains alive: a receive timeout says nothing
// about the health of the connection.
type ErrRecvTimeout struct {
	error
	Timeout time.Duration
}

// NewErrRecvTimeout returns an ErrRecvTimeout for the given window.
func NewErrRecvTimeout(timeout time.Duration) error {
	return ErrRecvTimeout{
		error:   fmt.Errorf("no message received within %v", timeout),
		Timeout: timeout,
	}
}

// IsRecvTimeout returns true when the error is a receive timeout.
func IsRecvTimeout(err error) bool {
	timeoutErr := ErrRecvTimeout{}
	return errors.As(err, &timeoutErr)
}
