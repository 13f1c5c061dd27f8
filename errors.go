package synthpeer

import (
	"errors"
	"fmt"
)

// ErrShutDown is returned by operations attempted after the node has been
// shut down.
var ErrShutDown = errors.New("node shut down")

// ErrNotConnected is returned when an operation targets an address with no
// established session.
type ErrNotConnected struct {
	error
	Addr string
}

func newErrNotConnected(addr string) error {
	return ErrNotConnected{
		error: fmt.Errorf("not connected to %v", addr),
		Addr:  addr,
	}
}

// ErrDial is returned when the transport-level dial fails, before any
// handshake bytes are exchanged.
type ErrDial struct {
	error
	Addr string
}

func newErrDial(addr string, err error) error {
	return ErrDial{
		error: fmt.Errorf("dialing %v: %w", addr, err),
		Addr:  addr,
	}
}
