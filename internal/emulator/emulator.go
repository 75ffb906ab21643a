// Package emulator finds emulators listening on the well-known local
// ports and keeps retrying the ones that drop off.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/1ureka/adbhost/internal/connection"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/socketspec"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

const (
	// DefaultMaxPort is the last adb port probed: 16 emulators, each with
	// a console port and an adb port.
	DefaultMaxPort = protocol.DefaultLocalTransportPort + 16*2 - 1

	defaultRetryCount    = 60
	defaultRetryInterval = time.Second
	probeTimeout         = time.Second
)

// ErrAlreadyRegistered is returned by Connect for a port pair in use.
var ErrAlreadyRegistered = errors.New("emulator already registered")

// Serial is the name an emulator is listed under.
func Serial(consolePort int) string {
	return fmt.Sprintf("emulator-%d", consolePort)
}

// Options configure a Scanner.
type Options struct {
	// Host is dialed before the loopback address when set (ADBHOST).
	Host string
	// MaxPort is the last adb port probed by Scan. Values below the
	// default local transport port disable scanning.
	MaxPort int

	RetryCount    int
	RetryInterval time.Duration
}

type retryPort struct {
	port int
	left int
}

// Scanner registers emulator transports and owns the map from adb port
// to registered emulator.
type Scanner struct {
	mgr     *transport.Manager
	sockets *socketspec.Sockets

	host          string
	maxPort       int
	retryCount    int
	retryInterval time.Duration

	mu    sync.Mutex
	ports map[int]bool
	retry []retryPort

	wake     chan struct{}
	scanned  chan struct{}
	throttle *util.Throttle
}

// New creates a scanner registering into mgr.
func New(mgr *transport.Manager, sockets *socketspec.Sockets, opts Options) *Scanner {
	if sockets == nil {
		sockets = socketspec.Default
	}
	s := &Scanner{
		mgr:           mgr,
		sockets:       sockets,
		host:          opts.Host,
		maxPort:       opts.MaxPort,
		retryCount:    opts.RetryCount,
		retryInterval: opts.RetryInterval,
		ports:         map[int]bool{},
		wake:          make(chan struct{}, 1),
		scanned:       make(chan struct{}),
		throttle:      util.NewThrottle(time.Minute, 3),
	}
	if s.maxPort == 0 {
		s.maxPort = DefaultMaxPort
	}
	if s.retryCount <= 0 {
		s.retryCount = defaultRetryCount
	}
	if s.retryInterval <= 0 {
		s.retryInterval = defaultRetryInterval
	}
	return s
}

// Registered reports whether an emulator owns adbPort.
func (s *Scanner) Registered(adbPort int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[adbPort]
}

// Scanned is closed once the first scan has finished.
func (s *Scanner) Scanned() <-chan struct{} { return s.scanned }

// Connect registers the emulator whose console and adb ports are given.
// It must not run on the looper.
func (s *Scanner) Connect(consolePort, adbPort int) error {
	serial := Serial(consolePort)
	if s.Registered(adbPort) || s.mgr.FindSerial(serial) != nil {
		return ErrAlreadyRegistered
	}

	conn, err := s.dial(adbPort)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.ports[adbPort] {
		s.mu.Unlock()
		conn.Close()
		return ErrAlreadyRegistered
	}
	s.ports[adbPort] = true
	s.mu.Unlock()

	ec := &emulatorConn{
		BlockingConnection: connection.NewStreamConnection(conn),
		closed:             func() { s.closed(adbPort) },
	}
	util.Tracef(util.TraceTransport, "client: connected to emulator on port %d", adbPort)
	if _, err := s.mgr.RegisterSocketTransport(connection.NewBlockingAdapter(serial, ec), serial, true, nil); err != nil {
		s.mu.Lock()
		delete(s.ports, adbPort)
		s.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

func (s *Scanner) dial(adbPort int) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if s.host != "" {
		conn, _, _, err := s.sockets.Connect(ctx, "tcp:"+socketspec.FormatNetAddress(s.host, adbPort), 0)
		if err == nil {
			return conn, nil
		}
		util.Tracef(util.TraceTransport, "emulator on %s:%d: %v", s.host, adbPort, err)
	}
	conn, _, _, err := s.sockets.Connect(ctx, fmt.Sprintf("tcp:127.0.0.1:%d", adbPort), 0)
	return conn, err
}

// Scan probes every adb port in the scan range once.
func (s *Scanner) Scan() {
	for _, port := range s.scanPorts() {
		if err := s.Connect(port-1, port); err != nil {
			util.Tracef(util.TraceTransport, "no emulator on port %d: %v", port, err)
		}
	}
}

// scanPorts lists the adb ports of the scan range. Emulators take a
// console and adb port pair, so only every other port is an adb port.
func (s *Scanner) scanPorts() []int {
	var ports []int
	for port := protocol.DefaultLocalTransportPort; port <= s.maxPort; port += 2 {
		ports = append(ports, port)
	}
	return ports
}

// closed forgets the port and queues it for retries.
func (s *Scanner) closed(adbPort int) {
	util.Tracef(util.TraceTransport, "remote_close, local_port = %d", adbPort)
	s.mu.Lock()
	delete(s.ports, adbPort)
	s.retry = append(s.retry, retryPort{port: adbPort, left: s.retryCount})
	s.mu.Unlock()
	s.signal()
}

func (s *Scanner) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run scans once, then retries emulators that went away until ctx ends.
func (s *Scanner) Run(ctx context.Context) error {
	s.Scan()
	close(s.scanned)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		s.mu.Lock()
		ports := s.retry
		s.retry = nil
		s.mu.Unlock()
		if len(ports) == 0 {
			continue
		}

		// The emulator's adbd needs a moment to drop the transport that
		// was just kicked.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.retryInterval):
		}

		var next []retryPort
		for _, p := range ports {
			err := s.Connect(p.port-1, p.port)
			if err == nil {
				util.Tracef(util.TraceTransport, "retry port %d successfully", p.port)
				continue
			}
			if p.left--; p.left > 0 {
				next = append(next, p)
				continue
			}
			s.throttle.Warnf("stop retrying emulator port %d: %v", p.port, err)
		}

		if len(next) > 0 {
			s.mu.Lock()
			s.retry = append(s.retry, next...)
			s.mu.Unlock()
			s.signal()
		}
	}
}

// emulatorConn reports the end of the link to the scanner exactly once.
type emulatorConn struct {
	connection.BlockingConnection
	once   sync.Once
	closed func()
}

func (c *emulatorConn) Close() error {
	err := c.BlockingConnection.Close()
	c.once.Do(c.closed)
	return err
}
