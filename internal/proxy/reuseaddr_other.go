//go:build !unix

package proxy

import "syscall"

// On Windows SO_REUSEADDR lets another process steal the port, so leave the
// platform default alone.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
