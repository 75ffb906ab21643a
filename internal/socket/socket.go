// Package socket multiplexes client byte streams onto transport streams.
//
// A stream is a pair of sockets that point at each other. Local sockets
// wrap a net.Conn on this host; remote sockets stand for the device end of
// a stream and turn enqueued data into WRTE packets. Smart sockets parse
// the client's first request and decide what the local socket gets paired
// with. Everything here runs on the looper.
package socket

import (
	"net"
	"sync"

	"github.com/1ureka/adbhost/internal/looper"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

// Socket is one end of a stream.
type Socket interface {
	// ID is the stream id on the wire. Sockets that never appear on the
	// wire return 0.
	ID() uint32
	Peer() Socket
	SetPeer(p Socket)
	// Transport is the transport the socket is bound to, or nil.
	Transport() *transport.Transport

	// Enqueue hands data to the socket. It returns 0 when more data may
	// follow, 1 when the sender must wait for Ready, and -1 when the socket
	// closed itself (and its peer) as a side effect.
	Enqueue(data []byte) int
	// Ready tells the socket its peer can take more data.
	Ready()
	// Shutdown tells the far end the stream is going away. Called before
	// the peer link is cut.
	Shutdown()
	Close()
}

// HostResult is what the host request handler did with a request.
type HostResult int

const (
	// HostUnhandled means the request names a host service socket or is
	// unknown.
	HostUnhandled HostResult = iota
	// HostHandled means the reply has been queued and the connection
	// should be closed once it is flushed.
	HostHandled
	// HostSwitchedTransport means HostRequest.Transport was selected and the
	// client will send its next request on the same connection.
	HostSwitchedTransport
)

// HostRequest is a host: request read by a smart socket.
type HostRequest struct {
	// Service is the request with its host prefix removed.
	Service     string
	Type        transport.Type
	Serial      string
	TransportID uint64
	// Transport is the transport selected earlier on this connection, if
	// any. Handlers set it when they switch transports and clear it when
	// the transport is about to go away under them.
	Transport *transport.Transport

	client *LocalSocket
}

// Reply queues raw bytes to the client.
func (r *HostRequest) Reply(b []byte) {
	if r.client != nil {
		r.client.enqueueControl(b)
	}
}

// ExitOnClose makes the registry's exit handler run once the client
// connection has flushed and closed.
func (r *HostRequest) ExitOnClose() {
	if r.client != nil {
		r.client.exitOnClose = true
	}
}

// Services provides everything smart sockets and device OPENs connect to.
type Services interface {
	// HandleHostRequest answers requests that complete immediately.
	HandleHostRequest(req *HostRequest) HostResult
	// HostServiceSocket creates the socket for a long-running host service
	// such as track-devices or wait-for-device. It returns nil for unknown
	// services.
	HostServiceSocket(req *HostRequest) Socket
	// DialLocalService connects to the local target of a reverse forward.
	DialLocalService(name string, t *transport.Transport) (net.Conn, error)
}

// Registry owns the local sockets and dispatches stream packets to them.
// It is the transport.StreamHandler of the server.
type Registry struct {
	looper   *looper.Looper
	services Services
	onExit   func()

	nextID uint32

	mu      sync.Mutex
	sockets []*LocalSocket
	closing []*LocalSocket
}

var _ transport.StreamHandler = (*Registry)(nil)

// NewRegistry creates an empty registry bound to l.
func NewRegistry(l *looper.Looper) *Registry {
	return &Registry{looper: l, nextID: 1}
}

// SetServices wires the service layer. It must be called before the first
// client connects.
func (r *Registry) SetServices(s Services) { r.services = s }

// SetExitHandler sets what runs when a socket marked ExitOnClose is
// destroyed.
func (r *Registry) SetExitHandler(fn func()) { r.onExit = fn }

// Looper returns the looper the registry runs on.
func (r *Registry) Looper() *looper.Looper { return r.looper }

// Count returns the number of open and closing local sockets.
func (r *Registry) Count() (open, closing int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets), len(r.closing)
}

func (r *Registry) install(s *LocalSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.id = r.nextID
	r.nextID++
	if r.nextID == 0 {
		panic("local socket id overflow")
	}
	r.sockets = append(r.sockets, s)
}

func (r *Registry) moveToClosing(s *LocalSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets = removeSocket(r.sockets, s)
	r.closing = append(r.closing, s)
}

func (r *Registry) remove(s *LocalSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets = removeSocket(r.sockets, s)
	r.closing = removeSocket(r.closing, s)
}

func removeSocket(list []*LocalSocket, s *LocalSocket) []*LocalSocket {
	for i, x := range list {
		if x == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// find returns the open local socket with localID. A non-zero peerID must
// also match the id of the socket's peer.
func (r *Registry) find(localID, peerID uint32) *LocalSocket {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sockets {
		if s.id != localID {
			continue
		}
		if peerID == 0 || (s.peer != nil && s.peer.ID() == peerID) {
			return s
		}
		return nil
	}
	return nil
}

// CloseAll closes every local socket bound to t directly or through its
// peer.
func (r *Registry) CloseAll(t *transport.Transport) {
	r.looper.CheckLooper()
	for {
		var victim *LocalSocket
		r.mu.Lock()
		for _, s := range r.sockets {
			if s.transport == t || (s.peer != nil && s.peer.Transport() == t) {
				victim = s
				break
			}
		}
		r.mu.Unlock()
		if victim == nil {
			return
		}
		victim.Close()
	}
}

// HandleOpen binds a device-initiated stream to its local target.
func (r *Registry) HandleOpen(t *transport.Transport, remoteID, ackBytes uint32, destination string) {
	r.looper.CheckLooper()
	var s *LocalSocket
	if r.services != nil {
		conn, err := r.services.DialLocalService(destination, t)
		if err != nil {
			util.LogWarning("%s: failed to open '%s': %v", t.Serial(), destination, err)
		} else {
			s = r.NewLocalSocket(conn)
			s.transport = t
			util.Tracef(util.TraceServices, "LS(%d): bound to '%s'", s.id, destination)
		}
	}
	if s == nil {
		t.SendClose(0, remoteID)
		return
	}

	peer := newRemoteSocket(remoteID, t)
	s.peer = peer
	peer.peer = s

	if t.SupportsDelayedAck() {
		util.Tracef(util.TracePackets, "delayed ack available: send buffer = %d", ackBytes)
		s.availSet = true
		s.avail = int64(ackBytes)
		t.SendReady(s.id, remoteID, protocol.InitialDelayedAckBytes)
	} else {
		t.SendReady(s.id, remoteID, 0)
	}
	s.Ready()
}

// HandleOkay accepts a stream we opened or replenishes its credit.
func (r *Registry) HandleOkay(t *transport.Transport, remoteID, localID uint32, ack *int32) {
	r.looper.CheckLooper()
	s := r.find(localID, 0)
	if s == nil {
		// The client may have gone away while the OPEN was in flight.
		t.SendClose(localID, remoteID)
		return
	}
	switch {
	case s.peer == nil:
		peer := newRemoteSocket(remoteID, t)
		s.peer = peer
		peer.peer = s
		s.ack(ack)
	case s.peer.ID() == remoteID:
		s.ack(ack)
	default:
		util.Tracef(util.TraceSockets, "invalid OKAY(%d,%d), expected OKAY(%d,%d) on transport %s",
			remoteID, localID, s.peer.ID(), localID, t.Serial())
	}
}

// HandleWrite delivers a WRTE payload.
func (r *Registry) HandleWrite(t *transport.Transport, remoteID, localID uint32, payload []byte) {
	r.looper.CheckLooper()
	if s := r.find(localID, remoteID); s != nil {
		s.Enqueue(payload)
	}
}

// HandleClose closes a stream. CLSE(0, id) is only honored from the
// transport the stream's peer lives on.
func (r *Registry) HandleClose(t *transport.Transport, remoteID, localID uint32) {
	r.looper.CheckLooper()
	s := r.find(localID, remoteID)
	if s == nil {
		return
	}
	if remoteID == 0 && s.peer != nil && s.peer.Transport() != t {
		util.Tracef(util.TraceSockets, "invalid CLSE(0, %d) from transport %s", localID, t.Serial())
		return
	}
	s.Close()
}

// ConnectToRemote sends OPEN for s. The stream is established when the
// device answers with OKAY.
func (r *Registry) ConnectToRemote(s *LocalSocket, destination string) {
	r.looper.CheckLooper()
	t := s.transport
	// Reverse forwards are snooped so the device can only connect back to
	// targets this host set up.
	t.UpdateReverseConfig(destination)
	util.Tracef(util.TraceSockets, "LS(%d): connect(%s)", s.id, destination)

	var ack uint32
	if t.SupportsDelayedAck() {
		ack = protocol.InitialDelayedAckBytes
		s.availSet = true
		s.avail = 0
	}
	if len(destination)+1 > s.maxPayload() {
		util.LogError("LS(%d): destination too long (%d bytes)", s.id, len(destination))
		s.Close()
		return
	}
	t.SendOpen(s.id, ack, destination)
}

// ConnectToSmartSocket pairs a freshly accepted client with a smart socket
// that reads its first request.
func (r *Registry) ConnectToSmartSocket(s *LocalSocket) {
	r.looper.CheckLooper()
	ss := &SmartSocket{reg: r}
	s.peer = ss
	ss.peer = s
	s.Ready()
}

// maxPayload is the largest payload s may send to peer.
func maxPayload(s Socket, peer Socket) int {
	n := protocol.MaxPayload
	if t := s.Transport(); t != nil {
		n = min(n, t.MaxPayload())
	}
	if peer != nil {
		if t := peer.Transport(); t != nil {
			n = min(n, t.MaxPayload())
		}
	}
	return n
}
