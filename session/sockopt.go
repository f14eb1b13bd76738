//go:build unix

package session

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr is the ListenConfig control hook for the session sockets.
// AppleMIDI endpoints share well-known port pairs, so the sockets allow
// address reuse.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var optErr error
	err := c.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return optErr
}
