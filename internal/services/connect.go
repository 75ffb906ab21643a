package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/1ureka/adbhost/internal/connection"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/socketspec"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

// dialer opens one link to a network device.
type dialer func(ctx context.Context) (conn connection.BlockingConnection, closer io.Closer, serial string, err error)

// Connect registers the network device at address and returns the
// message shown by "adb connect". address is [tcp:]host[:port],
// vsock:cid:port, localfilesystem:path or a ws:// or wss:// device proxy
// URL. It blocks until the first handshake finishes, so it must not run
// on the looper.
func (s *Services) Connect(ctx context.Context, address string) string {
	if address == "" {
		return "empty address"
	}
	util.Tracef(util.TraceServices, "connection requested to '%s'", address)

	dial := s.dialerFor(address)
	conn, closer, serial, err := dial(ctx)
	if err != nil {
		return fmt.Sprintf("failed to connect to '%s': %v", displayAddress(address), err)
	}

	reconnect := func(t *transport.Transport) transport.ReconnectResult {
		conn, _, _, err := dial(s.ctx)
		if err != nil {
			util.Tracef(util.TraceTransport, "reconnect to %s failed: %v", address, err)
			return transport.ReconnectRetry
		}
		t.SetConnection(connection.NewBlockingAdapter(t.Serial(), conn))
		return transport.ReconnectSuccess
	}

	_, err = s.mgr.RegisterSocketTransport(connection.NewBlockingAdapter(serial, conn), serial, false, reconnect)
	switch {
	case err == nil:
		return "connected to " + serial
	case errors.Is(err, transport.ErrAlreadyConnected):
		closer.Close()
		return "already connected to " + serial
	case errors.Is(err, transport.ErrUnauthorized):
		return "failed to authenticate to " + serial
	default:
		return "failed to connect to " + serial
	}
}

func (s *Services) dialerFor(address string) dialer {
	if connection.IsWebSocketAddress(address) {
		return func(ctx context.Context) (connection.BlockingConnection, io.Closer, string, error) {
			ws, err := connection.DialWebSocket(ctx, address)
			if err != nil {
				return nil, nil, "", err
			}
			return ws, ws, address, nil
		}
	}

	// Anything that is not another socket type is a TCP address.
	spec := address
	if !strings.HasPrefix(address, "vsock:") && !strings.HasPrefix(address, "localfilesystem:") {
		spec = "tcp:" + address
	}
	return func(ctx context.Context) (connection.BlockingConnection, io.Closer, string, error) {
		conn, _, serial, err := s.sockets.Connect(ctx, spec, protocol.DefaultLocalTransportPort)
		if err != nil {
			return nil, nil, "", err
		}
		return connection.NewStreamConnection(conn), conn, serial, nil
	}
}

// displayAddress adds the default port to a bare host for messages.
func displayAddress(address string) string {
	if connection.IsWebSocketAddress(address) || strings.HasPrefix(address, "vsock:") ||
		strings.HasPrefix(address, "localfilesystem:") {
		return address
	}
	host, port, err := socketspec.ParseNetAddress(address, protocol.DefaultLocalTransportPort)
	if err != nil {
		return address
	}
	return socketspec.FormatNetAddress(host, port)
}

// connectEmulator handles "connect emu:<console port>,<adb port>".
func (s *Services) connectEmulator(spec string) string {
	pieces := strings.Split(spec, ",")
	if len(pieces) != 2 {
		return fmt.Sprintf("unable to parse '%s' as <console port>,<adb port>", spec)
	}
	console, err1 := strconv.ParseInt(pieces[0], 0, 32)
	adb, err2 := strconv.ParseInt(pieces[1], 0, 32)
	if err1 != nil || err2 != nil || console <= 0 || adb <= 0 {
		return "Invalid port numbers: " + spec
	}
	if s.emulators == nil {
		return "emulator support is disabled"
	}
	if s.emulators.Registered(int(adb)) {
		return fmt.Sprintf("Emulator already registered on port %d", adb)
	}
	if err := s.emulators.Connect(int(console), int(adb)); err != nil {
		return fmt.Sprintf("Could not connect to emulator on ports %d,%d: %v", console, adb, err)
	}
	return fmt.Sprintf("Connected to emulator on ports %d,%d", console, adb)
}
