// Package socketspec parses, listens on and connects to the socket
// specifications accepted by forward, reverse and the server socket:
// tcp:, local*:, vsock: and acceptfd:.
package socketspec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/util"
)

// ErrUnknownSpec is returned for specifications no backend handles.
var ErrUnknownSpec = errors.New("unknown socket specification")

type localType struct {
	prefix    string
	abstract  bool
	available bool
}

var localTypes = []localType{
	{prefix: "local:", available: runtime.GOOS != "windows"},
	{prefix: "localreserved:", available: false},
	{prefix: "localabstract:", abstract: true, available: runtime.GOOS == "linux"},
	{prefix: "localfilesystem:", available: runtime.GOOS != "windows"},
}

// Resolver looks up names that the system resolver does not know about:
// mDNS service instances and *.local host names.
type Resolver interface {
	// ResolveService maps "instance.service" to the address it advertises.
	ResolveService(name string) (host string, port int, ok bool)
	// ResolveHost resolves a *.local host name.
	ResolveHost(ctx context.Context, name string) (string, error)
}

// Sockets holds the process-wide knobs that change how specs are bound.
type Sockets struct {
	// ListenAll binds "tcp:PORT" on every interface instead of loopback.
	ListenAll bool
	// KeepAlive is the TCP keepalive interval for outgoing connections.
	// Zero disables keepalive.
	KeepAlive time.Duration
	// Resolver is consulted for non-loopback tcp: hosts. It may be nil.
	Resolver Resolver

	// DialTimeout bounds tcp: connects.
	DialTimeout time.Duration
}

// Default is the configuration used before the server applies its own.
var Default = &Sockets{KeepAlive: time.Second, DialTimeout: 10 * time.Second}

// ParseTCP parses "tcp:PORT" or "tcp:HOST[:PORT]". A missing port means
// the default device port 5555.
func ParseTCP(spec string) (host string, port int, err error) {
	rest, ok := strings.CutPrefix(spec, "tcp:")
	if !ok {
		return "", 0, fmt.Errorf("specification is not tcp: %s", spec)
	}
	if p, err := strconv.Atoi(rest); err == nil {
		if p < 0 || p > 65535 {
			return "", 0, fmt.Errorf("bad port number '%d'", p)
		}
		return "", p, nil
	}
	return ParseNetAddress(rest, protocol.DefaultLocalTransportPort)
}

// HostPort returns the port of a tcp: or vsock: server spec.
func HostPort(spec string) (int, error) {
	switch {
	case strings.HasPrefix(spec, "tcp:"):
		_, port, err := ParseTCP(spec)
		if err != nil {
			return -1, err
		}
		return port, nil
	case strings.HasPrefix(spec, "vsock:"):
		fragments := strings.Split(spec, ":")
		if len(fragments) != 2 {
			return -1, errors.New("given vsock server socket string was invalid")
		}
		port, err := strconv.Atoi(fragments[1])
		if err != nil {
			return -1, errors.New("could not parse vsock port")
		}
		if port < 0 {
			return -1, errors.New("vsock port was negative")
		}
		return port, nil
	}
	return -1, errors.New("given socket spec string was invalid")
}

func isLocalHost(host string) bool {
	return host == "" || host == "localhost"
}

// IsSocketSpec reports whether spec names a socket rather than a service.
func IsSocketSpec(spec string) bool {
	for _, lt := range localTypes {
		if strings.HasPrefix(spec, lt.prefix) {
			return true
		}
	}
	return strings.HasPrefix(spec, "tcp:") || strings.HasPrefix(spec, "acceptfd:") ||
		strings.HasPrefix(spec, "vsock:")
}

// IsLocalSocketSpec reports whether spec can only be reached from this
// machine.
func IsLocalSocketSpec(spec string) bool {
	for _, lt := range localTypes {
		if strings.HasPrefix(spec, lt.prefix) {
			return true
		}
	}
	host, _, err := ParseTCP(spec)
	if err != nil {
		return false
	}
	return isLocalHost(host)
}

// Connect opens address. For tcp: and vsock: specs port is the default
// port to use and resolvedPort the one actually dialed; serial is the name
// the device should be registered under.
func (s *Sockets) Connect(ctx context.Context, address string, port int) (conn net.Conn, resolvedPort int, serial string, err error) {
	switch {
	case strings.HasPrefix(address, "tcp:"):
		return s.connectTCP(ctx, address)
	case strings.HasPrefix(address, "vsock:"):
		return connectVsock(address, port)
	case strings.HasPrefix(address, "acceptfd:"):
		return nil, 0, "", errors.New("cannot connect to acceptfd")
	}

	for _, lt := range localTypes {
		name, ok := strings.CutPrefix(address, lt.prefix)
		if !ok {
			continue
		}
		if !lt.available {
			return nil, 0, "", fmt.Errorf("socket type %s is unavailable on this platform", strings.TrimSuffix(lt.prefix, ":"))
		}
		if lt.abstract {
			name = "@" + name
		}
		var d net.Dialer
		c, err := d.DialContext(ctx, "unix", name)
		if err != nil {
			return nil, 0, "", fmt.Errorf("could not connect to %s address '%s'", strings.TrimSuffix(lt.prefix, ":"), address)
		}
		return c, 0, address, nil
	}
	return nil, 0, "", fmt.Errorf("%w: %s", ErrUnknownSpec, address)
}

func (s *Sockets) connectTCP(ctx context.Context, address string) (net.Conn, int, string, error) {
	host, port, err := ParseTCP(address)
	if err != nil {
		return nil, 0, "", err
	}
	serialHost := host
	if serialHost == "" {
		serialHost = "localhost"
	}
	serial := FormatNetAddress(serialHost, port)

	d := net.Dialer{Timeout: s.DialTimeout, KeepAlive: -1}
	var conn net.Conn
	switch {
	case isLocalHost(host):
		conn, err = d.DialContext(ctx, "tcp", FormatNetAddress("127.0.0.1", port))
	default:
		target := host
		if s.Resolver != nil {
			if h, p, ok := s.Resolver.ResolveService(strings.TrimPrefix(address, "tcp:")); ok {
				util.Tracef(util.TraceMdns, "resolved mdns service %s to %s:%d", address, h, p)
				target, port = h, p
				serial = strings.TrimPrefix(address, "tcp:")
			} else if strings.HasSuffix(host, ".local") {
				if ip, rerr := s.Resolver.ResolveHost(ctx, host); rerr == nil {
					target = ip
				} else {
					util.Tracef(util.TraceMdns, "failed to resolve %s: %v", host, rerr)
				}
			}
		}
		conn, err = d.DialContext(ctx, "tcp", FormatNetAddress(target, port))
	}
	if err != nil {
		return nil, 0, "", err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		if s.KeepAlive > 0 {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(s.KeepAlive)
		}
	}
	return conn, port, serial, nil
}

// Listen binds spec. resolvedPort is the bound port for tcp: and vsock:
// specs, useful when the spec asked for port 0.
func (s *Sockets) Listen(spec string) (ln net.Listener, resolvedPort int, err error) {
	switch {
	case strings.HasPrefix(spec, "tcp:"):
		host, port, err := ParseTCP(spec)
		if err != nil {
			return nil, 0, err
		}
		var addr string
		switch {
		case host == "" && s.ListenAll:
			addr = FormatNetAddress("", port)
		case isLocalHost(host):
			addr = FormatNetAddress("127.0.0.1", port)
		case host == "::1":
			addr = FormatNetAddress("::1", port)
		default:
			return nil, 0, errors.New("listening on specified hostname currently unsupported")
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, 0, err
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil

	case strings.HasPrefix(spec, "vsock:"):
		return listenVsock(spec)

	case strings.HasPrefix(spec, "acceptfd:"):
		ln, err := listenInheritedFD(strings.TrimPrefix(spec, "acceptfd:"))
		return ln, 0, err
	}

	for _, lt := range localTypes {
		name, ok := strings.CutPrefix(spec, lt.prefix)
		if !ok {
			continue
		}
		if !lt.available {
			return nil, 0, fmt.Errorf("attempted to listen on unavailable socket type: %s", spec)
		}
		if lt.abstract {
			name = "@" + name
		}
		ln, err := net.Listen("unix", name)
		return ln, 0, err
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrUnknownSpec, spec)
}
