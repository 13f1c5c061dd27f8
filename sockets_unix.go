//go:build unix

package synthpeer

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl marks the socket with SO_REUSEADDR and SO_REUSEPORT so that a
// dialer can bind a specific local address even while earlier connections
// from that address linger in TIME_WAIT.
func reuseControl(network, address string, c syscall.RawConn) error {
	ctlErr := error(nil)
	err := c.Control(func(fd uintptr) {
		ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if ctlErr != nil {
			return
		}
		ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return ctlErr
}
