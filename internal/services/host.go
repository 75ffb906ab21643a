package services

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/1ureka/adbhost/internal/connection"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/socket"
	"github.com/1ureka/adbhost/internal/socketspec"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

// HandleHostRequest answers the host services that reply immediately and
// the transport selection requests. Looper only.
func (s *Services) HandleHostRequest(req *socket.HostRequest) socket.HostResult {
	service := req.Service

	if service == "kill" {
		if s.opts.RejectKill {
			util.LogWarning("adb server ignoring kill-server")
			req.Reply(protocol.FailReply("kill-server rejected by remote server"))
			return socket.HostHandled
		}
		util.LogInfo("adb server killed by remote request")
		req.Reply(protocol.OkayReply())
		req.ExitOnClose()
		return socket.HostHandled
	}

	util.Tracef(util.TraceServices, "handle_host_request(%s)", service)

	if strings.HasPrefix(service, "transport") || strings.HasPrefix(service, "tport:") {
		return s.selectTransport(req, service)
	}

	switch service {
	case "server-status":
		if s.opts.Status == nil {
			req.Reply(protocol.FailReply("server status unavailable"))
			return socket.HostHandled
		}
		b, err := s.opts.Status()
		if err != nil {
			req.Reply(protocol.FailReply(err.Error()))
			return socket.HostHandled
		}
		req.Reply(protocol.OkayWithString(string(b)))
		return socket.HostHandled

	case "devices", "devices-l":
		format := transport.ShortText
		if service == "devices-l" {
			format = transport.LongText
		}
		list, err := s.mgr.List(format)
		if err != nil {
			req.Reply(protocol.FailReply(err.Error()))
			return socket.HostHandled
		}
		req.Reply(protocol.OkayWithString(list))
		return socket.HostHandled

	case "reconnect-offline":
		var lines []string
		for _, t := range s.mgr.Transports() {
			if !t.ConnectionState().Online() {
				lines = append(lines, "reconnecting "+t.SerialName())
				t.Reset()
			}
		}
		req.Reply(protocol.OkayWithString(strings.Join(lines, "\n")))
		return socket.HostHandled

	case "features":
		t, err := s.acquire(req, false)
		if err != nil {
			req.Reply(protocol.FailReply(err.Error()))
			return socket.HostHandled
		}
		req.Reply(protocol.OkayWithString(protocol.FeatureSetToString(t.Features())))
		return socket.HostHandled

	case "host-features":
		features := append(protocol.FeatureSet(nil), s.mgr.Features()...)
		if s.opts.Libusb {
			features = append(features, protocol.FeatureLibusb)
		}
		features = append(features, protocol.FeaturePushSync)
		req.Reply(protocol.OkayWithString(protocol.FeatureSetToString(features)))
		return socket.HostHandled

	case "version":
		req.Reply(protocol.OkayWithString(fmt.Sprintf("%04x", protocol.ServerVersion)))
		return socket.HostHandled

	// These report "unknown" rather than an empty value, for scripts.
	case "get-serialno", "get-devpath", "get-state":
		t, err := s.acquire(req, false)
		if err != nil {
			req.Reply(protocol.FailReply(err.Error()))
			return socket.HostHandled
		}
		var v string
		switch service {
		case "get-serialno":
			v = t.Serial()
		case "get-devpath":
			v = t.Devpath()
		default:
			v = t.ConnectionState().String()
		}
		if v == "" {
			v = "unknown"
		}
		req.Reply(protocol.OkayWithString(v))
		return socket.HostHandled

	case "reconnect":
		var response string
		t, err := s.acquire(req, true)
		if err != nil {
			response = err.Error()
		} else {
			t.Reset()
			response = fmt.Sprintf("reconnecting %s [%s]\n", t.SerialName(), t.ConnectionState())
		}
		req.Reply(protocol.OkayWithString(response))
		return socket.HostHandled

	case "attach", "detach":
		t, err := s.acquire(req, true)
		if err != nil {
			req.Reply(protocol.FailReply(err.Error()))
			return socket.HostHandled
		}
		if service == "attach" {
			err = t.Attach()
		} else {
			// Detaching closes every socket of t, this one included.
			req.Transport = nil
			err = t.Detach()
		}
		if err != nil {
			req.Reply(protocol.FailReply(err.Error()))
		} else {
			req.Reply(protocol.OkayWithString(fmt.Sprintf("%s %sed", t.SerialName(), service)))
		}
		return socket.HostHandled
	}

	switch {
	case strings.HasPrefix(service, "disconnect:"):
		s.disconnect(req, strings.TrimPrefix(service, "disconnect:"))
		return socket.HostHandled

	case strings.HasPrefix(service, "emulator:"):
		port, err := strconv.Atoi(strings.TrimPrefix(service, "emulator:"))
		if err != nil || port <= 0 {
			util.LogError("received invalid port for emulator: %s", strings.TrimPrefix(service, "emulator:"))
		} else if s.emulators != nil {
			go func() {
				if err := s.emulators.Connect(port-1, port); err != nil {
					util.LogWarning("emulator on port %d: %v", port, err)
				}
			}()
		}
		// No reply is expected.
		return socket.HostHandled

	case strings.HasPrefix(service, "pair:"):
		req.Reply(protocol.FailReply("pairing is not supported by this server"))
		return socket.HostHandled
	}

	if s.handleForward(req, service) {
		return socket.HostHandled
	}
	if s.handleMdns(req, service) {
		return socket.HostHandled
	}
	return socket.HostUnhandled
}

// selectTransport handles transport*, transport-id:N and the tport:
// variants, which also reply the selected transport id.
func (s *Services) selectTransport(req *socket.HostRequest, service string) socket.HostResult {
	typ, serial, id := transport.TypeAny, req.Serial, req.TransportID
	legacy := true

	if rest, ok := strings.CutPrefix(service, "tport:"); ok {
		legacy = false
		switch {
		case strings.HasPrefix(rest, "serial:"):
			serial = strings.TrimPrefix(rest, "serial:")
		case rest == "usb":
			typ = transport.TypeUSB
		case rest == "local":
			typ = transport.TypeLocal
		case rest == "any":
			typ = transport.TypeAny
		}
	} else {
		switch {
		case strings.HasPrefix(service, "transport-id:"):
			v, err := strconv.ParseUint(strings.TrimPrefix(service, "transport-id:"), 10, 64)
			if err != nil {
				req.Reply(protocol.FailReply("invalid transport id"))
				return socket.HostHandled
			}
			id = v
		case service == "transport-usb":
			typ = transport.TypeUSB
		case service == "transport-local":
			typ = transport.TypeLocal
		case service == "transport-any":
			typ = transport.TypeAny
		case strings.HasPrefix(service, "transport:"):
			serial = strings.TrimPrefix(service, "transport:")
		}
	}

	t, _, err := s.mgr.AcquireOne(typ, serial, id, false)
	if err != nil {
		req.Reply(protocol.FailReply(err.Error()))
		return socket.HostHandled
	}
	req.Transport = t
	reply := protocol.OkayReply()
	if !legacy {
		reply = binary.LittleEndian.AppendUint64(reply, t.ID())
	}
	req.Reply(reply)
	return socket.HostSwitchedTransport
}

// disconnect kicks the network transport at address, or all of them when
// address is empty.
func (s *Services) disconnect(req *socket.HostRequest, address string) {
	if address == "" {
		s.mgr.KickAllTCP()
		req.Reply(protocol.OkayWithString("disconnected everything"))
		return
	}

	// mDNS instance names are serials too.
	if t := s.mgr.FindSerial(address); t != nil {
		t.Kick()
		req.Reply(protocol.OkayWithString("disconnected " + address))
		return
	}

	serial := address
	if !strings.HasPrefix(address, "vsock:") && !strings.HasPrefix(address, "localfilesystem:") &&
		!connection.IsWebSocketAddress(address) {
		host, port, err := socketspec.ParseNetAddress(address, protocol.DefaultLocalTransportPort)
		if err != nil {
			req.Reply(protocol.FailReply(fmt.Sprintf("couldn't parse '%s': %v", address, err)))
			return
		}
		serial = socketspec.FormatNetAddress(host, port)
	}
	t := s.mgr.FindSerial(serial)
	if t == nil {
		req.Reply(protocol.FailReply(fmt.Sprintf("no such device '%s'", serial)))
		return
	}
	t.Kick()
	req.Reply(protocol.OkayWithString("disconnected " + address))
}

func (s *Services) handleMdns(req *socket.HostRequest, service string) bool {
	rest, ok := strings.CutPrefix(service, "mdns:")
	if !ok {
		return false
	}
	switch rest {
	case "check":
		check := "ERROR: mdns discovery disabled"
		if s.discovery != nil {
			check = s.discovery.Check()
		}
		req.Reply(protocol.OkayWithString(check))
		return true
	case "services":
		var list string
		if s.discovery != nil {
			list = s.discovery.ServicesText()
		}
		req.Reply(protocol.OkayWithString(list))
		return true
	}
	return false
}
