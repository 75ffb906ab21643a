// Package server wires the looper, transports, sockets, listeners and
// host services together and runs them until the server is killed.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/1ureka/adbhost/internal/auth"
	"github.com/1ureka/adbhost/internal/config"
	"github.com/1ureka/adbhost/internal/emulator"
	"github.com/1ureka/adbhost/internal/listener"
	"github.com/1ureka/adbhost/internal/looper"
	"github.com/1ureka/adbhost/internal/mdns"
	"github.com/1ureka/adbhost/internal/metrics"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/services"
	"github.com/1ureka/adbhost/internal/socket"
	"github.com/1ureka/adbhost/internal/socketspec"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

// Version is the server release, overridden at link time.
var Version = "dev"

const (
	// A previous server may still be releasing the socket.
	bindRetryTimeout = 500 * time.Millisecond
	bindRetryDelay   = 20 * time.Millisecond

	// readyTimeout caps how long clients wait for device discovery.
	readyTimeout = 3 * time.Second

	dialTimeout = 10 * time.Second
)

// usb_backend and mdns_backend enum values of AdbServerStatus.
const (
	usbBackendNative = 1
	usbBackendLibusb = 2
)

// Server is one adb host server instance.
type Server struct {
	cfg     config.Config
	id      uuid.UUID
	logPath string

	ctx    context.Context
	cancel context.CancelFunc

	looper    *looper.Looper
	sockets   *socketspec.Sockets
	mgr       *transport.Manager
	reg       *socket.Registry
	listeners *listener.List
	services  *services.Services
	emulators *emulator.Scanner

	mdnsReg  *mdns.Registry
	resolver *mdns.Resolver
	browser  *mdns.Browser

	port  int
	ready chan struct{}
}

// New builds a server from cfg. Nothing is bound until Run.
func New(cfg config.Config) (*Server, error) {
	util.SetTrace(cfg.Trace)

	s := &Server{
		cfg:     cfg,
		id:      uuid.New(),
		logPath: LogPath(cfg),
		looper:  looper.New(),
		ready:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sockets = &socketspec.Sockets{
		ListenAll:   cfg.ListenAll,
		KeepAlive:   cfg.TCPKeepAlive,
		DialTimeout: dialTimeout,
	}

	var keys transport.KeyProvider
	if kr, err := auth.NewKeyring(UserKeyPath(), filepath.SplitList(cfg.VendorKeys)); err != nil {
		util.LogWarning("authentication disabled: %v", err)
	} else {
		keys = kr
	}

	s.mgr = transport.NewManager(s.looper, keys, transport.Options{
		Features:          protocol.SupportedFeatures(cfg.BurstMode),
		LegacyChecksum:    cfg.LegacyChecksum,
		VendorKeys:        cfg.VendorKeys,
		OneDevice:         cfg.OneDevice,
		ReconnectInterval: cfg.ReconnectInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
	})
	s.reg = socket.NewRegistry(s.looper)
	s.mgr.SetStreamHandler(s.reg)
	s.listeners = listener.New(s.reg, s.sockets)

	s.services = services.New(s.ctx, s.mgr, s.reg, s.listeners, s.sockets, services.Options{
		RejectKill: cfg.RejectKill,
		Libusb:     cfg.Libusb,
		Status:     s.Status,
	})
	s.reg.SetServices(s.services)
	s.reg.SetExitHandler(func() {
		util.LogInfo("exiting on kill-server request")
		s.cancel()
	})

	s.emulators = emulator.New(s.mgr, s.sockets, emulator.Options{
		Host:    cfg.EmulatorHost,
		MaxPort: cfg.EmulatorMaxPort,
	})
	s.services.SetEmulators(s.emulators)

	if cfg.Mdns {
		s.mdnsReg = mdns.NewRegistry(s.looper, cfg.MdnsTTL)
		s.services.SetDiscovery(s.mdnsReg)
		s.browser = mdns.NewBrowser(s.mdnsReg, 0)
		allowed := mdns.ParseAutoConnect(cfg.MdnsAutoConnect)
		s.browser.OnService = func(svc mdns.Service) {
			if !allowed[svc.Type] || svc.Type == mdns.TypeTLSPairing {
				return
			}
			go func() {
				util.LogInfo("mdns: %s", s.services.Connect(s.ctx, svc.Name()))
			}()
		}
	}
	return s, nil
}

// LogPath is where a daemonized server writes its log.
func LogPath(cfg config.Config) string {
	if cfg.LogFile != "" {
		return cfg.LogFile
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("adb.%d.log", os.Getuid()))
}

// UserKeyPath is $ANDROID_USER_HOME/adbkey, or ~/.android/adbkey.
func UserKeyPath() string {
	if dir := os.Getenv("ANDROID_USER_HOME"); dir != "" {
		return filepath.Join(dir, "adbkey")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".android", "adbkey")
}

// ID is the instance id reported by server-status.
func (s *Server) ID() uuid.UUID { return s.id }

// Port is the smart socket's tcp port, once Ready is closed.
func (s *Server) Port() int { return s.port }

// Ready is closed once clients are accepted.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Run serves until ctx ends or a client asks the server to exit. When
// ack is set, "OK\n" is written to it once clients are accepted.
func (s *Server) Run(ctx context.Context, ack io.Writer) error {
	stopParent := context.AfterFunc(ctx, s.cancel)
	defer stopParent()
	defer s.cancel()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- s.looper.Run(loopCtx) }()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	util.LogInfo("adb server %s (instance %s) starting, version %04x", Version, s.id, protocol.ServerVersion)

	if s.cfg.Mdns {
		s.resolver = mdns.NewResolver(s.mdnsReg)
		s.sockets.Resolver = s.resolver
	}

	port, err := s.bind()
	if err != nil {
		return err
	}
	s.port = port

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.mgr.Reconnects().Run(gctx) })

	scanned := s.emulators.Scanned()
	if s.cfg.EmulatorScan {
		g.Go(func() error { return s.emulators.Run(gctx) })
	} else {
		done := make(chan struct{})
		close(done)
		scanned = done
	}

	if s.browser != nil {
		g.Go(func() error { return s.browser.Run(gctx) })
	}

	if s.cfg.MetricsListen != "" {
		c := metrics.NewCollector("adb")
		c.States = s.transportStates
		ms, err := metrics.Listen(s.cfg.MetricsListen, metrics.NewRegistry(c))
		if err != nil {
			util.LogWarning("%v", err)
		} else {
			g.Go(func() error { return ms.Serve(gctx) })
		}
	}

	util.StartStatsReporter(gctx)

	g.Go(func() error {
		s.notifyReady(gctx, scanned, ack)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	util.LogInfo("adb server exited")
	return nil
}

// bind installs the smart socket with accepting disabled, retrying
// briefly while a previous server lets go of the address.
func (s *Server) bind() (int, error) {
	deadline := time.Now().Add(bindRetryTimeout)
	for {
		port, err := s.listeners.Install(s.cfg.ServerSocket, listener.Smartsocket, nil, listener.Disabled)
		if err == nil {
			util.LogInfo("listening on %s", s.cfg.ServerSocket)
			return port, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("could not install *smartsocket* listener: %w", err)
		}
		time.Sleep(bindRetryDelay)
	}
}

// notifyReady waits for the first device scan, bounded by readyTimeout,
// then acknowledges the parent and starts accepting clients.
func (s *Server) notifyReady(ctx context.Context, scanned <-chan struct{}, ack io.Writer) {
	select {
	case <-scanned:
	case <-time.After(readyTimeout):
		util.LogWarning("device scan did not finish in %v", readyTimeout)
	case <-ctx.Done():
		return
	}

	if ack != nil {
		if _, err := io.WriteString(ack, "OK\n"); err != nil {
			util.LogWarning("failed to write ack: %v", err)
		}
		if c, ok := ack.(io.Closer); ok {
			c.Close()
		}
	}
	s.looper.Post(func() {
		s.listeners.EnableAll()
		close(s.ready)
	})
	util.LogSuccess("adb server ready")
}

func (s *Server) shutdown() {
	util.LogInfo("shutting down")
	s.looper.RunSync(func() {
		s.listeners.CloseSmartSockets()
		s.listeners.RemoveAll()
	})
	s.mgr.KickAll()
	if s.resolver != nil {
		if err := s.resolver.Close(); err != nil {
			util.Tracef(util.TraceMdns, "mdns: close: %v", err)
		}
	}
}

func (s *Server) transportStates() map[string]int {
	states := map[string]int{}
	for _, t := range s.mgr.Transports() {
		states[t.ConnectionState().String()]++
	}
	return states
}

// Status encodes the AdbServerStatus reply of host:server-status.
func (s *Server) Status() ([]byte, error) {
	m, err := protocol.NewHostMessage("AdbServerStatus")
	if err != nil {
		return nil, err
	}
	backend := usbBackendNative
	if s.cfg.Libusb {
		backend = usbBackendLibusb
	}
	protocol.SetField(m, "usb_backend", backend)
	protocol.SetField(m, "usb_backend_forced", s.cfg.Libusb)
	protocol.SetField(m, "mdns_backend_forced", false)
	protocol.SetField(m, "version", Version)
	protocol.SetField(m, "build", runtime.Version())
	if exe, err := os.Executable(); err == nil {
		protocol.SetField(m, "executable_absolute_path", exe)
	}
	protocol.SetField(m, "log_absolute_path", s.logPath)
	protocol.SetField(m, "os", runtime.GOOS+"/"+runtime.GOARCH)
	protocol.SetField(m, "trace_level", util.TraceLevel())
	protocol.SetField(m, "burst_mode", s.cfg.BurstMode)
	protocol.SetField(m, "mdns_enabled", s.cfg.Mdns)
	protocol.SetField(m, "instance_id", s.id.String())
	return proto.Marshal(m)
}
