//go:build !linux

package socketspec

import (
	"errors"
	"net"
)

var errNoVsock = errors.New("vsock is only supported on linux")

func connectVsock(string, int) (net.Conn, int, string, error) {
	return nil, 0, "", errNoVsock
}

func listenVsock(string) (net.Listener, int, error) {
	return nil, 0, errNoVsock
}
