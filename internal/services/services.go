// Package services answers smart socket requests: the host: services
// handled inline, the transport switches, and the host service sockets
// (connect, wait-for-*, track-*) that keep running after the request.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/1ureka/adbhost/internal/listener"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/socket"
	"github.com/1ureka/adbhost/internal/socketspec"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

const defaultDialTimeout = 10 * time.Second

// Discovery is the mDNS source behind mdns:check, mdns:services and
// track-mdns-services.
type Discovery interface {
	// Check describes the discovery backend.
	Check() string
	// ServicesText lists discovered services, one per line.
	ServicesText() string
	// Watch runs fn on the looper after every change. Looper only.
	Watch(fn func()) (remove func())
}

// Emulators connects emulators announced by emulator:PORT and
// "connect emu:PORT".
type Emulators interface {
	Connect(consolePort, adbPort int) error
	// Registered reports whether an emulator transport uses adbPort.
	Registered(adbPort int) bool
}

// Options tune host request handling.
type Options struct {
	// RejectKill makes host:kill fail instead of exiting.
	RejectKill bool
	// Libusb is reported through host-features.
	Libusb bool
	// Status renders the host:server-status reply.
	Status func() ([]byte, error)
}

// Services implements socket.Services for the host server.
type Services struct {
	ctx       context.Context
	mgr       *transport.Manager
	reg       *socket.Registry
	listeners *listener.List
	sockets   *socketspec.Sockets
	opts      Options

	discovery Discovery
	emulators Emulators
}

// New creates the host services. ctx bounds every service goroutine.
func New(ctx context.Context, mgr *transport.Manager, reg *socket.Registry, listeners *listener.List,
	sockets *socketspec.Sockets, opts Options) *Services {
	if sockets == nil {
		sockets = socketspec.Default
	}
	return &Services{ctx: ctx, mgr: mgr, reg: reg, listeners: listeners, sockets: sockets, opts: opts}
}

// SetDiscovery wires the mDNS source. It must be called before serving.
func (s *Services) SetDiscovery(d Discovery) { s.discovery = d }

// SetEmulators wires the emulator registry. It must be called before
// serving.
func (s *Services) SetEmulators(e Emulators) { s.emulators = e }

// acquire returns the transport selected earlier on the connection, or
// the one the request names.
func (s *Services) acquire(req *socket.HostRequest, anyState bool) (*transport.Transport, error) {
	if req.Transport != nil {
		return req.Transport, nil
	}
	t, _, err := s.mgr.AcquireOne(req.Type, req.Serial, req.TransportID, anyState)
	return t, err
}

// HostServiceSocket creates the socket of a long-running host service,
// or returns nil when name is unknown.
func (s *Services) HostServiceSocket(req *socket.HostRequest) socket.Socket {
	name := req.Service
	switch {
	case strings.HasPrefix(name, "track-devices"):
		var format transport.OutputFormat
		switch strings.TrimPrefix(name, "track-devices") {
		case "":
			format = transport.ShortText
		case "-l":
			format = transport.LongText
		case "-proto-binary":
			format = transport.ProtoBinary
		case "-proto-text":
			format = transport.ProtoText
		default:
			return nil
		}
		return s.reg.NewTrackerSocket(func() (string, error) { return s.mgr.List(format) }, s.mgr.Watch)

	case name == "track-mdns-services":
		if s.discovery == nil {
			return nil
		}
		d := s.discovery
		return s.reg.NewTrackerSocket(func() (string, error) { return d.ServicesText(), nil }, d.Watch)

	case strings.HasPrefix(name, "connect:"):
		address := strings.TrimPrefix(name, "connect:")
		return s.serviceSocket("connect", func(ctx context.Context, conn net.Conn) {
			var response string
			if port, ok := strings.CutPrefix(address, "emu:"); ok {
				response = s.connectEmulator(port)
			} else {
				response = s.Connect(ctx, address)
			}
			writeString(conn, response)
		})

	case strings.HasPrefix(name, "wait-for-"):
		w, ok := parseWaitFor(strings.TrimPrefix(name, "wait-for-"))
		if !ok {
			return nil
		}
		w.serial, w.id = req.Serial, req.TransportID
		if req.Transport != nil {
			w.id = req.Transport.ID()
		}
		return s.serviceSocket("wait", func(ctx context.Context, conn net.Conn) {
			s.waitForState(ctx, conn, w)
		})
	}
	return nil
}

// serviceSocket runs fn on its own goroutine against one end of a pipe
// and returns a local socket for the other end. fn's context is cancelled
// when the client hangs up.
func (s *Services) serviceSocket(name string, fn func(ctx context.Context, conn net.Conn)) socket.Socket {
	local, svc := net.Pipe()
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		// Clients do not write to host services; reading only detects
		// the hangup.
		_, _ = io.Copy(io.Discard, svc)
		cancel()
	}()
	go func() {
		defer cancel()
		defer svc.Close()
		util.Tracef(util.TraceServices, "%s service started", name)
		fn(ctx, svc)
	}()
	return s.reg.NewLocalSocket(local)
}

// DialLocalService connects the target of a device-initiated stream. Only
// socket specs are reachable from the device. Looper only.
func (s *Services) DialLocalService(name string, t *transport.Transport) (net.Conn, error) {
	if !socketspec.IsSocketSpec(name) {
		return nil, fmt.Errorf("unsupported local service '%s'", name)
	}
	timeout := s.sockets.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	conn, _, _, err := s.sockets.Connect(ctx, name, 0)
	if err != nil {
		util.LogWarning("%s: failed to open reverse target %s: %v", t.SerialName(), name, err)
		return nil, err
	}
	return conn, nil
}

func writeString(w io.Writer, s string) {
	if _, err := w.Write(protocol.FormatProtocolString(s)); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		util.Tracef(util.TraceServices, "service reply failed: %v", err)
	}
}
