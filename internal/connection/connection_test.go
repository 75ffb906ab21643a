package connection

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/adbhost/internal/protocol"
)

type recordingHandler struct {
	packets chan *protocol.Packet
	mu      sync.Mutex
	errors  []string
	errCh   chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		packets: make(chan *protocol.Packet, 16),
		errCh:   make(chan string, 4),
	}
}

func (h *recordingHandler) HandleRead(pkt *protocol.Packet) { h.packets <- pkt }

func (h *recordingHandler) HandleError(reason string) {
	h.mu.Lock()
	h.errors = append(h.errors, reason)
	h.mu.Unlock()
	h.errCh <- reason
}

func (h *recordingHandler) errorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errors)
}

func waitPacket(t *testing.T, ch <-chan *protocol.Packet) *protocol.Packet {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func TestAdapterReadWrite(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	h := newRecordingHandler()
	a := NewBlockingAdapter("test", NewStreamConnection(local))
	a.SetHandler(h)
	require.NoError(t, a.Start())
	require.Error(t, a.Start())

	peer := NewStreamConnection(remote)

	go func() {
		_ = peer.Write(protocol.NewPacket(protocol.CmdOKAY, 7, 8, nil))
	}()
	got := waitPacket(t, h.packets)
	assert.Equal(t, protocol.CmdOKAY, got.Command)
	assert.Equal(t, uint32(7), got.Arg0)

	require.NoError(t, a.Write(protocol.NewPacket(protocol.CmdWRTE, 1, 2, []byte("ping"))))
	sent, err := peer.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), sent.Payload)

	a.Stop()
	// Closing the stream usually fails the reader before Stop reports.
	assert.Contains(t, []string{"read failed", "requested stop"}, <-h.errCh)
	assert.Equal(t, 1, h.errorCount())
	assert.ErrorIs(t, a.Write(protocol.NewPacket(protocol.CmdOKAY, 1, 1, nil)), ErrStopped)
}

func TestAdapterStopAfterReaderExit(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	h := newRecordingHandler()
	a := NewBlockingAdapter("test", NewStreamConnection(local))
	a.SetHandler(h)
	require.NoError(t, a.Start())

	peer := NewStreamConnection(remote)
	go func() {
		_ = peer.Write(protocol.NewPacket(protocol.CmdSTLS, protocol.STLSVersion, 0, nil))
	}()
	got := waitPacket(t, h.packets)
	require.Equal(t, protocol.CmdSTLS, got.Command)

	a.Stop()
	assert.Equal(t, "requested stop", <-h.errCh)
	assert.Equal(t, 1, h.errorCount())
}

func TestAdapterReportsErrorOnce(t *testing.T) {
	local, remote := net.Pipe()

	h := newRecordingHandler()
	a := NewBlockingAdapter("test", NewStreamConnection(local))
	a.SetHandler(h)
	require.NoError(t, a.Start())

	remote.Close()
	assert.Equal(t, "read failed", <-h.errCh)

	a.Stop()
	a.Stop()
	assert.Equal(t, 1, h.errorCount())
}

func TestAdapterRejectsOversizedPayload(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	h := newRecordingHandler()
	a := NewBlockingAdapter("test", NewStreamConnection(local))
	a.SetHandler(h)
	require.NoError(t, a.Start())
	defer a.Stop()

	msg := protocol.NewPacket(protocol.CmdWRTE, 1, 2, nil).Message
	msg.DataLength = protocol.MaxPayload + 1
	hdr := make([]byte, protocol.HeaderSize)
	protocol.EncodeHeader(hdr, &msg)
	go remote.Write(hdr)

	assert.Equal(t, "read failed", <-h.errCh)
}

func TestAdapterReaderPausesAfterSTLS(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	h := newRecordingHandler()
	a := NewBlockingAdapter("test", NewStreamConnection(local))
	a.SetHandler(h)
	require.NoError(t, a.Start())
	defer a.Stop()

	peer := NewStreamConnection(remote)
	go peer.Write(protocol.NewPacket(protocol.CmdSTLS, protocol.STLSVersion, 0, nil))
	assert.Equal(t, protocol.CmdSTLS, waitPacket(t, h.packets).Command)

	// Nothing reads the pipe now; a write from the peer must block.
	wrote := make(chan struct{})
	go func() {
		_ = peer.Write(protocol.NewPacket(protocol.CmdOKAY, 1, 1, nil))
		close(wrote)
	}()
	select {
	case <-wrote:
		t.Fatal("reader kept reading after STLS")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketConnection(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	echoed := make(chan *protocol.Packet, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Split one packet across two messages and append a second packet.
		wire := protocol.Encode(protocol.NewPacket(protocol.CmdCNXN, protocol.Version, protocol.MaxPayload, []byte("device::")))
		wire = append(wire, protocol.Encode(protocol.NewPacket(protocol.CmdOKAY, 3, 4, nil))...)
		_ = conn.WriteMessage(websocket.BinaryMessage, wire[:10])
		_ = conn.WriteMessage(websocket.BinaryMessage, wire[10:])

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pkt, err := protocol.Decode(data)
		if err == nil {
			echoed <- pkt
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	assert.True(t, IsWebSocketAddress(url))

	ws, err := DialWebSocket(context.Background(), url)
	require.NoError(t, err)
	defer ws.Close()

	first, err := ws.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdCNXN, first.Command)
	assert.Equal(t, []byte("device::"), first.Payload)

	second, err := ws.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdOKAY, second.Command)

	require.NoError(t, ws.Write(protocol.NewPacket(protocol.CmdWRTE, 1, 2, []byte("x"))))
	select {
	case pkt := <-echoed:
		assert.Equal(t, []byte("x"), pkt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("server never got the packet")
	}

	assert.Error(t, ws.DoTLSHandshake(nil))
}
