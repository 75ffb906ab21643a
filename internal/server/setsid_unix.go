//go:build unix

package server

import "golang.org/x/sys/unix"

// Detach starts a new session so the daemon outlives its terminal.
func Detach() error {
	_, err := unix.Setsid()
	return err
}
