//go:build !unix

package synthpeer

import "syscall"

// reuseControl is a no-op on platforms without SO_REUSEPORT.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
