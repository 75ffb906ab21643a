// Package connection moves packets between a transport and the byte
// stream underneath it.
package connection

import (
	"crypto/tls"
	"errors"

	"github.com/1ureka/adbhost/internal/protocol"
)

// ErrStopped is returned by Write once the connection has been stopped.
var ErrStopped = errors.New("connection stopped")

// Handler receives everything a connection reads. Both methods are called
// from connection goroutines and must not block; transports forward them
// to the looper.
type Handler interface {
	HandleRead(pkt *protocol.Packet)
	HandleError(reason string)
}

// Connection is the packet-level interface a transport owns.
type Connection interface {
	SetHandler(h Handler)
	Start() error
	Stop()
	// Reset aborts the connection (RST instead of FIN where possible) and stops it.
	Reset()
	// Write queues pkt. It never blocks on the network.
	Write(pkt *protocol.Packet) error
	// DoTLSHandshake upgrades the stream after an STLS exchange.
	DoTLSHandshake(cfg *tls.Config) error
}

// BlockingConnection is a synchronous packet stream. BlockingAdapter turns
// it into a Connection.
type BlockingConnection interface {
	Read() (*protocol.Packet, error)
	Write(pkt *protocol.Packet) error
	DoTLSHandshake(cfg *tls.Config) error
	Close() error
	Reset() error
}
