package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/adbhost/internal/protocol"
)

// IsWebSocketAddress reports whether addr is a ws:// or wss:// URL.
func IsWebSocketAddress(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// WebSocketConnection carries the adb byte stream inside binary WebSocket
// messages, as device proxies in front of remote or cloud devices do.
// Message boundaries carry no meaning; a Reader reassembles packets.
type WebSocketConnection struct {
	ws *websocket.Conn

	reader  *protocol.Reader
	pending []*protocol.Packet

	closeOnce sync.Once
}

// DialWebSocket connects to a device proxy at url.
func DialWebSocket(ctx context.Context, url string) (*WebSocketConnection, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewWebSocketConnection(conn), nil
}

func NewWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	conn.SetReadLimit(protocol.HeaderSize + protocol.MaxPayload)
	return &WebSocketConnection{ws: conn, reader: protocol.NewReader(protocol.MaxPayload)}
}

func (w *WebSocketConnection) Read() (*protocol.Packet, error) {
	for len(w.pending) == 0 {
		kind, data, err := w.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := w.reader.AddBytes(data); err != nil {
			return nil, err
		}
		w.pending = w.reader.TakePackets()
	}
	pkt := w.pending[0]
	w.pending = w.pending[1:]
	return pkt, nil
}

// Write is only called from the adapter's writer goroutine, which
// satisfies gorilla's one-writer rule.
func (w *WebSocketConnection) Write(pkt *protocol.Packet) error {
	if err := w.ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(pkt)); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// DoTLSHandshake is refused: wss:// already encrypts the hop to the proxy.
func (w *WebSocketConnection) DoTLSHandshake(*tls.Config) error {
	return errors.New("TLS upgrade is not supported over websocket")
}

func (w *WebSocketConnection) Close() error {
	var err error
	w.closeOnce.Do(func() {
		_ = w.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.ws.Close()
	})
	return err
}

func (w *WebSocketConnection) Reset() error {
	var err error
	w.closeOnce.Do(func() { err = w.ws.Close() })
	return err
}
