// Package transport implements the host side of one ADB link: the
// connection handshake, authentication, the TLS upgrade and the
// process-wide registry of transports.
//
// Every method that mutates protocol state runs on the looper. Connection
// goroutines only reach a Transport through HandleRead and HandleError,
// which re-post their work to the looper.
package transport

import (
	"crypto/rsa"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/1ureka/adbhost/internal/connection"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/util"
)

// ReconnectResult is what a reconnect attempt asks the scheduler to do.
type ReconnectResult int

const (
	ReconnectSuccess ReconnectResult = iota
	ReconnectRetry
	ReconnectAbort
)

// ReconnectFunc re-establishes the link for t, typically by dialing again
// and calling SetConnection. It runs on the reconnect goroutine.
type ReconnectFunc func(t *Transport) ReconnectResult

// Detachable is implemented by connections that can release the device
// without tearing the transport down (USB).
type Detachable interface {
	SupportsDetach() bool
	Attach() error
	Detach() error
}

// SpeedReporter is implemented by connections that know their link speed.
type SpeedReporter interface {
	NegotiatedSpeedMbps() int64
	MaxSpeedMbps() int64
}

// Transport is one link to a device or emulator. It is created by the
// Manager and owned by it until it is destroyed on the looper.
type Transport struct {
	mgr *Manager

	id       uint64
	typ      Type
	serial   string
	devpath  string
	emulator bool

	mu       sync.Mutex
	conn     connection.Connection
	state    ConnectionState
	product  string
	model    string
	device   string
	features protocol.FeatureSet

	kicked     atomic.Bool
	maxPayload atomic.Int64

	// Looper-only state.
	online      bool
	version     uint32
	useTLS      bool
	delayedAck  bool
	keys        []*rsa.PrivateKey
	keysLoaded  bool
	reverse     map[string]string
	disconnects map[int]func(*Transport)
	nextDisc    int
	destroyed   bool

	waitable  *Waitable
	reconnect ReconnectFunc
}

func newTransport(m *Manager, typ Type, serial string, state ConnectionState) *Transport {
	t := &Transport{
		mgr:         m,
		id:          m.nextID.Add(1),
		typ:         typ,
		serial:      serial,
		state:       state,
		version:     protocol.VersionMin,
		reverse:     map[string]string{},
		disconnects: map[int]func(*Transport){},
		waitable:    newWaitable(),
	}
	t.maxPayload.Store(protocol.MaxPayload)
	return t
}

// ID is the transport id used by host-transport-id: and -t.
func (t *Transport) ID() uint64 { return t.id }

func (t *Transport) Type() Type { return t.typ }

func (t *Transport) Serial() string { return t.serial }

func (t *Transport) Devpath() string { return t.devpath }

// IsEmulator reports whether t was registered by the emulator scanner.
func (t *Transport) IsEmulator() bool { return t.emulator }

func (t *Transport) Product() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.product
}

func (t *Transport) Model() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model
}

func (t *Transport) Device() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device
}

// Features returns the feature list the device advertised in its banner.
func (t *Transport) Features() protocol.FeatureSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(protocol.FeatureSet(nil), t.features...)
}

// CanUseFeature reports whether both ends support feature.
func (t *Transport) CanUseFeature(feature string) bool {
	return protocol.CanUseFeature(t.Features(), feature, t.mgr.features)
}

// SupportsDelayedAck reports whether delayed_ack was negotiated at CNXN.
func (t *Transport) SupportsDelayedAck() bool { return t.delayedAck }

// MaxPayload is the negotiated maximum payload size.
func (t *Transport) MaxPayload() int { return int(t.maxPayload.Load()) }

// ProtocolVersion is the negotiated protocol version.
func (t *Transport) ProtocolVersion() uint32 { return t.version }

// Online reports whether a CNXN has been processed since the last offline.
func (t *Transport) Online() bool { return t.online }

func (t *Transport) ConnectionState() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetConnectionState changes the state and pushes the new device list to
// trackers. Looper only.
func (t *Transport) SetConnectionState(s ConnectionState) {
	t.mgr.looper.CheckLooper()
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.mgr.updateTransports()
}

// Kicked reports whether Kick or Reset has been called.
func (t *Transport) Kicked() bool { return t.kicked.Load() }

// Connection returns the current connection, nil before SetConnection.
func (t *Transport) Connection() connection.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// SetConnection installs conn and routes its events to t. Reconnect
// callbacks call it with the freshly dialed link.
func (t *Transport) SetConnection(conn connection.Connection) {
	conn.SetHandler(t)
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

// Waitable is the first-connection latch that connect waits on.
func (t *Transport) Waitable() *Waitable { return t.waitable }

// SetConnectionEstablished fires the first-connection latch.
func (t *Transport) SetConnectionEstablished(success bool) {
	t.waitable.SetEstablished(success)
}

// Kick stops the connection. Only the first call has an effect; the
// connection then reports "requested stop" through HandleError.
func (t *Transport) Kick() {
	if !t.kicked.Swap(true) {
		util.LogInfo("kicking transport %s", t.displayName())
		if c := t.Connection(); c != nil {
			c.Stop()
		}
	}
}

// Reset is Kick with an abortive close of the link.
func (t *Transport) Reset() {
	if !t.kicked.Swap(true) {
		util.LogInfo("resetting transport %s", t.displayName())
		if c := t.Connection(); c != nil {
			c.Reset()
		}
	}
}

// SerialName is the serial, or a placeholder for devices without one.
func (t *Transport) SerialName() string { return t.displayName() }

func (t *Transport) displayName() string {
	if t.serial == "" {
		return "(no serial number)"
	}
	return t.serial
}

// HandleRead runs on the connection's reader goroutine.
func (t *Transport) HandleRead(pkt *protocol.Packet) {
	if err := protocol.CheckHeader(&pkt.Message, t.MaxPayload()); err != nil {
		util.LogWarning("%s: remote read: %v", t.displayName(), err)
		t.mgr.looper.Post(t.Kick)
		return
	}
	util.Tracef(util.TracePackets, "%s: recv: %s", t.displayName(), pkt)
	t.mgr.looper.Post(func() { t.mgr.handlePacket(t, pkt) })
}

// HandleError runs on a connection goroutine, at most once per
// connection.
func (t *Transport) HandleError(reason string) {
	util.LogInfo("%s: connection terminated: %s", t.displayName(), reason)
	t.mgr.looper.Post(func() {
		t.mgr.handleOffline(t)
		t.mgr.destroy(t)
	})
}

// Send writes pkt to the device. A failed enqueue kicks the transport.
func (t *Transport) Send(pkt *protocol.Packet) {
	t.mgr.looper.CheckLooper()
	pkt.Magic = pkt.Command ^ 0xffffffff
	pkt.DataLength = uint32(len(pkt.Payload))
	if t.version < protocol.VersionSkipChecksum {
		pkt.DataCheck = protocol.Checksum(pkt.Payload)
	} else {
		pkt.DataCheck = 0
	}
	util.Tracef(util.TracePackets, "%s: send: %s", t.displayName(), pkt)

	c := t.Connection()
	if c == nil {
		util.LogWarning("%s: dropping packet, no connection", t.displayName())
		return
	}
	if err := c.Write(pkt); err != nil {
		util.LogDebug("%s: failed to enqueue packet, closing transport", t.displayName())
		t.Kick()
	}
}

// SendReady acknowledges a stream. With delayed ack the OKAY carries the
// number of bytes consumed.
func (t *Transport) SendReady(local, remote uint32, ackBytes uint32) {
	var payload []byte
	if t.SupportsDelayedAck() {
		payload = make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, ackBytes)
	}
	t.Send(protocol.NewPacket(protocol.CmdOKAY, local, remote, payload))
}

// SendClose sends CLSE for the stream pair.
func (t *Transport) SendClose(local, remote uint32) {
	t.Send(protocol.NewPacket(protocol.CmdCLSE, local, remote, nil))
}

// SendOpen asks the device to open destination for the local socket id.
// ackBytes is the initial credit when delayed ack is in use.
func (t *Transport) SendOpen(local uint32, ackBytes uint32, destination string) {
	payload := make([]byte, len(destination)+1)
	copy(payload, destination)
	t.Send(protocol.NewPacket(protocol.CmdOPEN, local, ackBytes, payload))
}

// AddDisconnect registers fn to run on the looper when t goes offline for
// good. The returned func unregisters it.
func (t *Transport) AddDisconnect(fn func(*Transport)) (remove func()) {
	t.mgr.looper.CheckLooper()
	id := t.nextDisc
	t.nextDisc++
	t.disconnects[id] = fn
	return func() { delete(t.disconnects, id) }
}

func (t *Transport) runDisconnects() {
	handlers := t.disconnects
	t.disconnects = map[int]func(*Transport){}
	for _, fn := range handlers {
		fn(t)
	}
}

// NextKey advances the AUTH key cursor. The first call loads every key
// plus a trailing nil; nil means the keys are exhausted.
func (t *Transport) NextKey() *rsa.PrivateKey {
	if !t.keysLoaded {
		t.keysLoaded = true
		if t.mgr.keys != nil {
			t.keys = t.mgr.keys.Keys()
		}
		t.keys = append(t.keys, nil)
	}
	if len(t.keys) == 0 {
		return nil
	}
	key := t.keys[0]
	t.keys = t.keys[1:]
	return key
}

// Key is the key the cursor currently points at.
func (t *Transport) Key() *rsa.PrivateKey {
	if len(t.keys) == 0 {
		return nil
	}
	return t.keys[0]
}

// ResetKeys rewinds the cursor so the next AUTH starts from the first key.
func (t *Transport) ResetKeys() {
	t.keys = nil
	t.keysLoaded = false
}

// Attach reattaches a detached USB device.
func (t *Transport) Attach() error {
	t.mgr.looper.CheckLooper()
	d, ok := t.Connection().(Detachable)
	if !ok || !d.SupportsDetach() {
		return errAttachUnsupported
	}
	if t.ConnectionState() != StateDetached {
		return errNotDetached(t.serial)
	}
	if err := d.Attach(); err != nil {
		return err
	}
	t.ResetKeys()
	t.SetConnectionState(StateOffline)
	t.mgr.sendConnect(t)
	return nil
}

// Detach releases a USB device without destroying the transport.
func (t *Transport) Detach() error {
	t.mgr.looper.CheckLooper()
	d, ok := t.Connection().(Detachable)
	if !ok || !d.SupportsDetach() {
		return errAttachUnsupported
	}
	if t.ConnectionState() == StateDetached {
		return errAlreadyDetached(t.serial)
	}
	t.mgr.handleOffline(t)
	if err := d.Detach(); err != nil {
		return err
	}
	t.SetConnectionState(StateDetached)
	return nil
}
