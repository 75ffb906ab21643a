//go:build unix

package socketspec

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// listenInheritedFD adopts a listening socket passed down by a launcher.
// The fd is duplicated so the spec can be listened on more than once.
func listenInheritedFD(spec string) (net.Listener, error) {
	v, err := strconv.ParseUint(spec, 10, 32)
	if err != nil || v > math.MaxInt32 {
		return nil, errors.New("invalid fd")
	}
	fd := int(v)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return nil, fmt.Errorf("could not get flags of inherited fd %d: '%w'", fd, err)
	}
	if flags&unix.FD_CLOEXEC != 0 {
		return nil, fmt.Errorf("fd %d was not inherited from parent", fd)
	}
	if _, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE); err != nil {
		return nil, fmt.Errorf("fd %d does not refer to a socket", fd)
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("could not dup inherited fd %d: '%w'", fd, err)
	}

	f := os.NewFile(uintptr(dup), "acceptfd:"+spec)
	defer f.Close()
	return net.FileListener(f)
}
