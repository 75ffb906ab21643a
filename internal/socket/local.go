package socket

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

// drainTimeout bounds how long a closed socket keeps reading after its
// write side was shut down.
const drainTimeout = time.Second

type queued struct {
	data []byte
	// ack marks stream data. Smartsocket status replies are written to the
	// client but never acknowledged to the device.
	ack bool
}

// LocalSocket is a stream end backed by a net.Conn on this host: a client
// connection, a forward listener connection or a host service pipe.
//
// Reads and writes happen on two goroutines per socket; their results are
// posted back to the looper, which owns every other field.
type LocalSocket struct {
	reg       *Registry
	id        uint32
	conn      net.Conn
	peer      Socket
	transport *transport.Transport

	readReq     chan int
	readEnabled bool
	readArmed   bool

	writeReq    chan net.Buffers
	queue       []queued
	queuedBytes int
	writing     bool

	// Delayed-ack credit: how many more bytes the device will accept.
	availSet bool
	avail    int64

	closing       bool
	destroyed     bool
	hasWriteError bool
	exitOnClose   bool

	// Smartsocket notify mode: the client waits for OKAY or FAIL before
	// the stream starts. carry holds bytes read past the request.
	notify bool
	carry  []byte
}

// NewLocalSocket installs a local socket for conn and starts its I/O
// goroutines. The socket does not read until it is made ready. Looper
// only.
func (r *Registry) NewLocalSocket(conn net.Conn) *LocalSocket {
	r.looper.CheckLooper()
	s := &LocalSocket{
		reg:      r,
		conn:     conn,
		readReq:  make(chan int, 1),
		writeReq: make(chan net.Buffers, 1),
	}
	r.install(s)
	util.Stats.AddSocket()
	go s.readLoop()
	go s.writeLoop()
	util.Tracef(util.TraceSockets, "LS(%d): created (%s)", s.id, conn.RemoteAddr())
	return s
}

func (s *LocalSocket) ID() uint32 { return s.id }

func (s *LocalSocket) Peer() Socket { return s.peer }

func (s *LocalSocket) SetPeer(p Socket) { s.peer = p }

func (s *LocalSocket) Transport() *transport.Transport { return s.transport }

// SetTransport binds s to t. Forward listeners use it before
// ConnectToRemote.
func (s *LocalSocket) SetTransport(t *transport.Transport) { s.transport = t }

// Closing reports whether s is flushing its last bytes before it is
// destroyed.
func (s *LocalSocket) Closing() bool { return s.closing }

func (s *LocalSocket) maxPayload() int { return maxPayload(s, s.peer) }

func (s *LocalSocket) readLoop() {
	for size := range s.readReq {
		buf := make([]byte, size)
		n, err := s.conn.Read(buf)
		data := buf[:n]
		s.reg.looper.Post(func() { s.onRead(data, err) })
	}
}

func (s *LocalSocket) writeLoop() {
	for bufs := range s.writeReq {
		n, err := bufs.WriteTo(s.conn)
		s.reg.looper.Post(func() { s.onWritten(int(n), err) })
	}
}

// armRead lets the reader goroutine perform one read.
func (s *LocalSocket) armRead() {
	if !s.readEnabled || s.readArmed || s.destroyed || s.closing {
		return
	}
	s.readArmed = true
	s.readReq <- s.maxPayload()
}

func (s *LocalSocket) onRead(data []byte, err error) {
	s.readArmed = false
	if s.destroyed || s.closing {
		return
	}

	if len(data) > 0 && s.peer != nil {
		if s.availSet {
			s.avail -= int64(len(data))
		}
		r := s.peer.Enqueue(data)
		if r < 0 {
			// The peer closed us as a side effect.
			return
		}
		if r > 0 {
			if !s.availSet {
				util.Tracef(util.TraceSockets, "LS(%d): acks not deferred, blocking", s.id)
				s.readEnabled = false
			} else if s.avail <= 0 {
				util.Tracef(util.TraceSockets, "LS(%d): send buffer full (%d)", s.id, s.avail)
				s.readEnabled = false
			}
		}
	}

	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			util.Tracef(util.TraceSockets, "LS(%d): read: %v", s.id, err)
		}
		s.Close()
		return
	}
	s.armRead()
}

// Enqueue queues data for the connection. It asks the sender to wait once
// a full payload is backed up.
func (s *LocalSocket) Enqueue(data []byte) int {
	if s.destroyed {
		return -1
	}
	util.Tracef(util.TraceSockets, "LS(%d): enqueue %d", s.id, len(data))
	s.push(data, true)
	if s.queuedBytes >= protocol.MaxPayload {
		return 1
	}
	return 0
}

func (s *LocalSocket) enqueueControl(b []byte) {
	if s.destroyed {
		return
	}
	s.push(b, false)
}

func (s *LocalSocket) push(data []byte, ack bool) {
	if len(data) == 0 {
		return
	}
	s.queue = append(s.queue, queued{data: data, ack: ack})
	s.queuedBytes += len(data)
	s.startWrite()
}

func (s *LocalSocket) startWrite() {
	if s.writing || s.queuedBytes == 0 || s.hasWriteError || s.destroyed {
		return
	}
	bufs := make(net.Buffers, 0, len(s.queue))
	for _, q := range s.queue {
		bufs = append(bufs, q.data)
	}
	s.writing = true
	s.writeReq <- bufs
}

func (s *LocalSocket) onWritten(n int, err error) {
	s.writing = false
	if s.destroyed {
		return
	}

	var flushed int
	for n > 0 && len(s.queue) > 0 {
		q := &s.queue[0]
		k := min(n, len(q.data))
		if q.ack {
			flushed += k
		}
		q.data = q.data[k:]
		s.queuedBytes -= k
		n -= k
		if len(q.data) == 0 {
			s.queue = s.queue[1:]
		}
	}
	if err != nil {
		// The client may have shut down its read side only; keep reading
		// until it goes away.
		util.Tracef(util.TraceSockets, "LS(%d): write: %v", s.id, err)
		s.hasWriteError = true
	}
	s.afterFlush(flushed)
}

func (s *LocalSocket) afterFlush(flushed int) {
	fdFull := s.queuedBytes > 0 && !s.hasWriteError

	switch {
	case flushed == 0 || s.peer == nil:
	case s.transport != nil:
		if s.availSet {
			s.transport.SendReady(s.id, s.peer.ID(), uint32(flushed))
		} else if s.queuedBytes < protocol.MaxPayload {
			s.transport.SendReady(s.id, s.peer.ID(), 0)
		}
	case !fdFull:
		// A local peer blocked on us resumes once we drain.
		s.peer.Ready()
	}

	// The last bytes of a closing socket are out.
	if s.closing && !fdFull {
		s.destroy()
		return
	}
	if fdFull {
		s.startWrite()
	}
}

// Ready re-enables reading. In notify mode it first tells the client the
// stream is up.
func (s *LocalSocket) Ready() {
	if s.destroyed {
		return
	}
	if s.notify {
		s.notify = false
		s.enqueueControl(protocol.OkayReply())
		if carry := s.carry; len(carry) > 0 && s.peer != nil {
			s.carry = nil
			if s.availSet {
				s.avail -= int64(len(carry))
			}
			if s.peer.Enqueue(carry) < 0 {
				return
			}
		}
	}
	s.readEnabled = true
	s.armRead()
}

// Shutdown is a no-op: a local socket has nothing to tell.
func (s *LocalSocket) Shutdown() {}

// ack applies an OKAY from the device.
func (s *LocalSocket) ack(ack *int32) {
	if s.availSet != (ack != nil) {
		util.LogError("delayed ack mismatch: socket = %t, payload = %t", s.availSet, ack != nil)
		return
	}
	if s.availSet {
		util.Tracef(util.TraceSockets, "LS(%d) received delayed ack, available bytes: %d += %d", s.id, s.avail, *ack)
		s.avail += int64(*ack)
		if s.avail > 0 {
			s.Ready()
		}
		return
	}
	s.Ready()
}

// Close detaches and closes the peer, then destroys s once its queue is
// flushed.
func (s *LocalSocket) Close() {
	if s.destroyed {
		return
	}
	if s.notify {
		s.notify = false
		s.enqueueControl(protocol.FailReply("closed"))
	}
	if p := s.peer; p != nil {
		util.Tracef(util.TraceSockets, "LS(%d): closing peer %d", s.id, p.ID())
		// Shutdown first so a remote peer can still name us in its CLSE.
		p.Shutdown()
		p.SetPeer(nil)
		s.peer = nil
		p.Close()
	}

	if s.closing || s.hasWriteError || s.queuedBytes == 0 {
		s.destroy()
		return
	}

	util.Tracef(util.TraceSockets, "LS(%d): closing", s.id)
	s.closing = true
	s.readEnabled = false
	s.reg.moveToClosing(s)
}

func (s *LocalSocket) destroy() {
	if s.destroyed {
		return
	}
	util.Tracef(util.TraceSockets, "LS(%d): destroying", s.id)
	s.destroyed = true
	close(s.readReq)
	close(s.writeReq)
	go deferredClose(s.conn)
	s.reg.remove(s)
	util.Stats.RemoveSocket()

	if s.exitOnClose && s.reg.onExit != nil {
		util.Tracef(util.TraceSockets, "LS(%d): exiting", s.id)
		s.reg.onExit()
	}
}

// deferredClose shuts down the write side and reads until EOF before
// closing, so the peer does not see a reset that drops data it has not
// read yet.
func deferredClose(conn net.Conn) {
	defer conn.Close()
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	if err := cw.CloseWrite(); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
	if _, err := io.Copy(io.Discard, conn); errors.Is(err, os.ErrDeadlineExceeded) {
		util.LogWarning("timeout expired while reading data after flushing socket, closing")
	}
}
