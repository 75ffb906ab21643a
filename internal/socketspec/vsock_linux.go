//go:build linux

package socketspec

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// connectVsock dials "vsock:CID[:PORT]"; defaultPort is used when the
// spec has no port.
func connectVsock(address string, defaultPort int) (net.Conn, int, string, error) {
	fragments := strings.Split(address, ":")
	if len(fragments) != 2 && len(fragments) != 3 {
		return nil, 0, "", fmt.Errorf("expected vsock:cid or vsock:cid:port in '%s'", address)
	}
	cid, err := strconv.ParseUint(fragments[1], 10, 32)
	if err != nil {
		return nil, 0, "", fmt.Errorf("could not parse vsock cid in '%s'", address)
	}
	port := uint64(defaultPort)
	if len(fragments) == 3 {
		if port, err = strconv.ParseUint(fragments[2], 10, 32); err != nil {
			return nil, 0, "", fmt.Errorf("could not parse vsock port in '%s'", address)
		}
	}
	if port == 0 {
		return nil, 0, "", errors.New("vsock port was not provided")
	}

	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, 0, "", fmt.Errorf("could not open vsock socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrVM{CID: uint32(cid), Port: uint32(port)}); err != nil {
		unix.Close(fd)
		return nil, 0, "", fmt.Errorf("could not connect to vsock address '%s': %w", address, err)
	}
	conn, err := fileConn(fd, "vsock")
	if err != nil {
		return nil, 0, "", err
	}
	return conn, int(port), fmt.Sprintf("vsock:%d:%d", cid, port), nil
}

// listenVsock binds "vsock:PORT" on any CID. Port 0 picks a free port.
func listenVsock(spec string) (net.Listener, int, error) {
	port, err := HostPort(spec)
	if err != nil {
		return nil, 0, err
	}
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("could not create vsock server: '%w'", err)
	}
	svmPort := uint32(port)
	if port == 0 {
		svmPort = unix.VMADDR_PORT_ANY
	}
	if err := unix.Bind(fd, &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: svmPort}); err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	if err := unix.Listen(fd, 4); err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	resolved := port
	if vm, ok := sa.(*unix.SockaddrVM); ok {
		resolved = int(vm.Port)
	}

	f := os.NewFile(uintptr(fd), "vsock-listener")
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, 0, err
	}
	return ln, resolved, nil
}

func fileConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	return net.FileConn(f)
}
