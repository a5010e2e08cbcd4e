//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package highway

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl lets several gateway processes share one UDP port.
func reusePortControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
