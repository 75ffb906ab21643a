package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/adbhost/internal/protocol"
)

const tlsHandshakeTimeout = 10 * time.Second

// StreamConnection reads and writes whole packets on a net.Conn. After a
// TLS upgrade all traffic goes through the TLS session.
type StreamConnection struct {
	conn net.Conn

	mu     sync.Mutex
	rd     io.Reader
	wr     io.Writer
	tlsc   *tls.Conn
	header [protocol.HeaderSize]byte
}

func NewStreamConnection(conn net.Conn) *StreamConnection {
	return &StreamConnection{conn: conn, rd: conn, wr: conn}
}

// Conn returns the raw connection.
func (s *StreamConnection) Conn() net.Conn {
	return s.conn
}

func (s *StreamConnection) streams() (io.Reader, io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rd, s.wr
}

// Read reads one packet. Payloads above MaxPayload are a protocol error.
func (s *StreamConnection) Read() (*protocol.Packet, error) {
	rd, _ := s.streams()
	if _, err := io.ReadFull(rd, s.header[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	msg, err := protocol.DecodeHeader(s.header[:])
	if err != nil {
		return nil, err
	}
	if msg.DataLength > protocol.MaxPayload {
		return nil, fmt.Errorf("read overflow (data length = %d): %w", msg.DataLength, protocol.ErrPayloadTooLarge)
	}
	pkt := &protocol.Packet{Message: msg}
	if msg.DataLength > 0 {
		pkt.Payload = make([]byte, msg.DataLength)
		if _, err := io.ReadFull(rd, pkt.Payload); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	return pkt, nil
}

func (s *StreamConnection) Write(pkt *protocol.Packet) error {
	_, wr := s.streams()
	if _, err := wr.Write(protocol.Encode(pkt)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// DoTLSHandshake runs the client side of the STLS upgrade. TLS 1.3 gives
// the client no message when the server rejects its certificate, so the
// first byte of the server's next record is peeked to surface the alert.
// The device always speaks first after a successful handshake.
func (s *StreamConnection) DoTLSHandshake(cfg *tls.Config) error {
	tc := tls.Client(s.conn, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), tlsHandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	br := bufio.NewReader(tc)
	if _, err := br.Peek(1); err != nil {
		return fmt.Errorf("tls: server rejected client certificate: %w", err)
	}

	s.mu.Lock()
	s.tlsc = tc
	s.rd = br
	s.wr = tc
	s.mu.Unlock()
	return nil
}

func (s *StreamConnection) Close() error {
	s.mu.Lock()
	tc := s.tlsc
	s.mu.Unlock()
	if tc != nil {
		// Closing the TLS conn sends close_notify and closes s.conn.
		return tc.Close()
	}
	return s.conn.Close()
}

// Reset closes with SO_LINGER 0 so the peer sees a RST.
func (s *StreamConnection) Reset() error {
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		if err := tcp.SetLinger(0); err != nil {
			return err
		}
	}
	return s.conn.Close()
}
