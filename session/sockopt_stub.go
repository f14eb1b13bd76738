//go:build !unix

package session

import "syscall"

// reuseAddr is a no-op off Unix. On Windows SO_REUSEADDR lets an unrelated
// process steal a bound port rather than merely share it, so the sockets
// bind with the platform defaults there.
func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
