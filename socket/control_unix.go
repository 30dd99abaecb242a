//go:build linux || freebsd || darwin || aix || dragonfly || netbsd || openbsd
// +build linux freebsd darwin aix dragonfly netbsd openbsd

// Package socket provides the bind/listen/accept/connect primitives the
// session state machine uses for both the command channel and every
// negotiated data channel.
package socket

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Control defines the function to use as dialer Control to reuse the same port/address
func Control(_, _ string, c syscall.RawConn) error {
	var errSetOpts error

	err := c.Control(func(unixFd uintptr) {
		errSetOpts = unix.SetsockoptInt(int(unixFd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if errSetOpts != nil {
			return
		}

		errSetOpts = unix.SetsockoptInt(int(unixFd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		if errSetOpts != nil {
			return
		}
	})
	if err != nil {
		return fmt.Errorf("unable to set control options: %w", err)
	}

	if errSetOpts != nil {
		errSetOpts = fmt.Errorf("unable to set control options: %w", errSetOpts)
	}

	return errSetOpts
}
