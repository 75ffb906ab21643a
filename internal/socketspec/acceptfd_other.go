//go:build !unix

package socketspec

import (
	"errors"
	"net"
)

func listenInheritedFD(string) (net.Listener, error) {
	return nil, errors.New("socket activation not supported under Windows")
}
