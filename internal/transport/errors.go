package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a registered transport does not finish
	// its first handshake in time.
	ErrTimeout = errors.New("timed out waiting for connection")
	// ErrAlreadyConnected is returned when the serial is already registered.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrUnauthorized is returned when the device rejected every key.
	ErrUnauthorized = errors.New("failed to authenticate")

	errAttachUnsupported = errors.New("attach/detach not supported")
)

func errNotDetached(serial string) error {
	return fmt.Errorf("transport %s is not detached", serial)
}

func errAlreadyDetached(serial string) error {
	return fmt.Errorf("transport %s is already detached", serial)
}
