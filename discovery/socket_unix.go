//go:build !windows

package discovery

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// broadcastListenConfig returns a net.ListenConfig whose raw socket has
// SO_BROADCAST enabled, required to send to a directed broadcast address
// from a plain UDP socket on Unix-like systems.
func broadcastListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
