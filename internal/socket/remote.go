package socket

import (
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

// RemoteSocket is the device end of a stream. Its id is allocated by the
// device and is never 0.
type RemoteSocket struct {
	id        uint32
	peer      Socket
	transport *transport.Transport
}

func newRemoteSocket(id uint32, t *transport.Transport) *RemoteSocket {
	if id == 0 {
		panic("invalid remote socket id (0)")
	}
	util.Tracef(util.TraceSockets, "RS(%d): created", id)
	return &RemoteSocket{id: id, transport: t}
}

func (s *RemoteSocket) ID() uint32 { return s.id }

func (s *RemoteSocket) Peer() Socket { return s.peer }

func (s *RemoteSocket) SetPeer(p Socket) { s.peer = p }

func (s *RemoteSocket) Transport() *transport.Transport { return s.transport }

// Enqueue sends data as one WRTE. The sender always waits for the OKAY.
func (s *RemoteSocket) Enqueue(data []byte) int {
	if len(data) > protocol.MaxPayload || s.peer == nil {
		return -1
	}
	s.transport.Send(protocol.NewPacket(protocol.CmdWRTE, s.peer.ID(), s.id, data))
	return 1
}

func (s *RemoteSocket) Ready() {
	if s.peer == nil {
		return
	}
	s.transport.Send(protocol.NewPacket(protocol.CmdOKAY, s.peer.ID(), s.id, nil))
}

func (s *RemoteSocket) Shutdown() {
	var local uint32
	if s.peer != nil {
		local = s.peer.ID()
	}
	util.Tracef(util.TraceSockets, "RS(%d): shutdown", s.id)
	s.transport.SendClose(local, s.id)
}

func (s *RemoteSocket) Close() {
	if p := s.peer; p != nil {
		p.SetPeer(nil)
		s.peer = nil
		util.Tracef(util.TraceSockets, "RS(%d): closing peer %d", s.id, p.ID())
		p.Close()
	}
	util.Tracef(util.TraceSockets, "RS(%d): closed", s.id)
}
