package socket

import (
	"strconv"
	"strings"

	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

// SmartSocket reads a client's request and rewires the client's local
// socket: to a host reply, to a host service socket, or to a stream on
// the selected transport.
type SmartSocket struct {
	reg       *Registry
	peer      Socket
	transport *transport.Transport
	buf       []byte
}

func (s *SmartSocket) ID() uint32 { return 0 }

func (s *SmartSocket) Peer() Socket { return s.peer }

func (s *SmartSocket) SetPeer(p Socket) { s.peer = p }

func (s *SmartSocket) Transport() *transport.Transport { return s.transport }

func (s *SmartSocket) Ready() {}

func (s *SmartSocket) Shutdown() {}

func (s *SmartSocket) Close() {
	util.Tracef(util.TraceSockets, "SS: closed")
	if p := s.peer; p != nil {
		p.SetPeer(nil)
		s.peer = nil
		p.Close()
	}
}

// fail closes s and its client. The -1 tells the client's read loop it
// was closed under it.
func (s *SmartSocket) fail() int {
	s.Close()
	return -1
}

func (s *SmartSocket) Enqueue(data []byte) int {
	s.buf = append(s.buf, data...)
	for {
		if len(s.buf) < 4 {
			return 0
		}
		n, ok := protocol.Unhex(s.buf[:4])
		if !ok || n == 0 || n > protocol.MaxPayload {
			util.Tracef(util.TraceSockets, "SS: bad size (%q)", s.buf[:4])
			return s.fail()
		}
		if n+4 > len(s.buf) {
			util.Tracef(util.TraceSockets, "SS: waiting for %d more bytes", n+4-len(s.buf))
			return 0
		}

		request := string(s.buf[4 : 4+n])
		rest := s.buf[4+n:]
		s.buf = nil

		r, again := s.handle(request, rest)
		if !again {
			return r
		}
		s.buf = rest
	}
}

// handle processes one request. again is set when the client switched
// transports and may already have sent its next request.
func (s *SmartSocket) handle(request string, rest []byte) (r int, again bool) {
	util.Tracef(util.TraceServices, "service request: '%s'", request)
	client, ok := s.peer.(*LocalSocket)
	if !ok {
		return s.fail(), false
	}

	req := &HostRequest{Type: transport.TypeAny, Transport: s.transport, client: client}
	service := request
	switch {
	case strings.HasPrefix(service, "host-serial:"):
		serial, command, ok := ParseHostService(strings.TrimPrefix(service, "host-serial:"))
		if !ok {
			util.LogError("SS: failed to parse host service: %s", service)
			return s.fail(), false
		}
		req.Serial, service = serial, command

	case strings.HasPrefix(service, "host-transport-id:"):
		arg := strings.TrimPrefix(service, "host-transport-id:")
		idStr, command, found := strings.Cut(arg, ":")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			util.LogError("SS: failed to parse host transport id: %s", arg)
			return s.fail(), false
		}
		if !found {
			util.LogError("SS: host-transport-id without command")
			return s.fail(), false
		}
		req.TransportID, service = id, command

	case strings.HasPrefix(service, "host-usb:"):
		req.Type, service = transport.TypeUSB, strings.TrimPrefix(service, "host-usb:")

	case strings.HasPrefix(service, "host-local:"):
		req.Type, service = transport.TypeLocal, strings.TrimPrefix(service, "host-local:")

	case strings.HasPrefix(service, "host:"):
		service = strings.TrimPrefix(service, "host:")

	default:
		service = ""
	}

	if service != "" {
		return s.handleHost(client, req, service, rest)
	}

	t := s.transport
	if t == nil {
		client.enqueueControl(protocol.FailReply("device offline (no transport)"))
		return s.fail(), false
	}
	if !t.ConnectionState().Online() {
		client.enqueueControl(protocol.FailReply("device offline (transport offline)"))
		return s.fail(), false
	}

	// The client hears OKAY or FAIL once the device answers the OPEN.
	client.notify = true
	client.peer = nil
	client.transport = t
	client.carry = append([]byte(nil), rest...)
	s.peer = nil
	s.reg.ConnectToRemote(client, request)
	s.Close()
	return 1, false
}

func (s *SmartSocket) handleHost(client *LocalSocket, req *HostRequest, service string, rest []byte) (int, bool) {
	req.Service = service
	if s.reg.services == nil {
		client.enqueueControl(protocol.FailReply("unknown host service '" + service + "'"))
		return s.fail(), false
	}

	switch s.reg.services.HandleHostRequest(req) {
	case HostHandled:
		util.Tracef(util.TraceServices, "SS: handled host service '%s'", service)
		return s.fail(), false
	case HostSwitchedTransport:
		util.Tracef(util.TraceServices, "SS: okay transport")
		s.transport = req.Transport
		return 0, true
	}

	s2 := s.reg.services.HostServiceSocket(req)
	if s2 == nil {
		util.Tracef(util.TraceServices, "SS: couldn't create host service '%s'", service)
		client.enqueueControl(protocol.FailReply("unknown host service '" + service + "'"))
		return s.fail(), false
	}

	// The client becomes a plain local socket talking to the service.
	client.enqueueControl(protocol.OkayReply())
	client.peer = s2
	s2.SetPeer(client)
	s.peer = nil
	s.Close()

	s2.Ready()
	if len(rest) > 0 {
		if s2.Enqueue(append([]byte(nil), rest...)) < 0 {
			return -1, false
		}
	}
	return 0, false
}

// ParseHostService splits the argument of host-serial: into a serial and
// a command. Serials may be "[tcp:|udp:]host[:port]", "vsock:cid:port",
// "[v6]:port" or "<usb|product|model|device|localfilesystem>:value"; a
// numeric segment after the host is taken as the port.
func ParseHostService(full string) (serial, command string, ok bool) {
	if full == "" {
		return "", "", false
	}
	cmd := full
	consumed := 0
	consume := func(n int) {
		consumed += n
		cmd = cmd[n:]
	}
	finish := func() (string, string, bool) {
		if consumed == 0 || cmd == "" {
			return "", "", false
		}
		return full[:consumed-1], cmd, true
	}

	for _, prefix := range []string{"usb:", "product:", "model:", "device:", "localfilesystem:"} {
		if strings.HasPrefix(cmd, prefix) {
			consume(len(prefix))
			i := strings.IndexByte(cmd, ':')
			if i < 0 {
				return "", "", false
			}
			consume(i + 1)
			return finish()
		}
	}

	if strings.HasPrefix(cmd, "tcp:") || strings.HasPrefix(cmd, "udp:") {
		consume(4)
	}
	if strings.HasPrefix(cmd, "vsock:") {
		consume(len("vsock:"))
	}
	if cmd == "" {
		return "", "", false
	}

	foundAddress := false
	if cmd[0] == '[' {
		if end := strings.IndexByte(cmd, ']'); end >= 0 {
			consume(end + 1)
			if cmd == "" || cmd[0] != ':' {
				return "", "", false
			}
			consume(1)
			foundAddress = true
		}
	}
	if !foundAddress {
		i := strings.IndexByte(cmd, ':')
		if i < 0 {
			return "", "", false
		}
		consume(i + 1)
	}

	// Either a port or the command follows.
	next := strings.IndexByte(cmd, ':')
	if next < 0 {
		return finish()
	}
	if isDigits(cmd[:next]) {
		consume(next + 1)
	}
	return finish()
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
