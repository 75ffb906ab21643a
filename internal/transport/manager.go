package transport

import (
	"crypto/rsa"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/adbhost/internal/connection"
	"github.com/1ureka/adbhost/internal/looper"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/util"
)

// connectTimeout bounds how long a socket registration waits for the
// device's first CNXN or AUTH outcome.
const connectTimeout = 10 * time.Second

// KeyProvider supplies the keys tried during AUTH and the TLS client
// configuration used after STLS.
type KeyProvider interface {
	Keys() []*rsa.PrivateKey
	TLSConfig(key *rsa.PrivateKey) *tls.Config
	UserPublicKey() (string, error)
}

// StreamHandler owns the logical streams multiplexed over transports.
// All methods run on the looper.
type StreamHandler interface {
	// HandleOpen is a device-initiated stream. ackBytes is the device's
	// initial credit, zero without delayed ack.
	HandleOpen(t *Transport, remoteID, ackBytes uint32, destination string)
	// HandleOkay accepts a stream or replenishes its credit. ack is nil
	// when the OKAY carried no ack payload.
	HandleOkay(t *Transport, remoteID, localID uint32, ack *int32)
	HandleWrite(t *Transport, remoteID, localID uint32, payload []byte)
	HandleClose(t *Transport, remoteID, localID uint32)
	// CloseAll closes every stream bound to t.
	CloseAll(t *Transport)
}

// Options configure a Manager.
type Options struct {
	// Features is the host's supported feature list.
	Features protocol.FeatureSet
	// LegacyChecksum enables payload checksum verification for peers that
	// negotiate the pre-0x01000001 protocol. When false such peers are kicked.
	LegacyChecksum bool
	// VendorKeys is the raw ADB_VENDOR_KEYS value, quoted in errors.
	VendorKeys string
	// OneDevice restricts the server to the transport with this serial or
	// devpath.
	OneDevice string

	ReconnectDelay    time.Duration
	ReconnectInterval time.Duration
	ReconnectAttempts int
}

// Manager owns every transport: the pending list of links that have not
// finished registering, the active list, and the reconnect queue.
type Manager struct {
	looper   *looper.Looper
	keys     KeyProvider
	streams  StreamHandler
	features protocol.FeatureSet

	legacyChecksum bool
	vendorKeys     string
	oneDevice      string

	nextID atomic.Uint64

	mu      sync.Mutex
	pending []*Transport
	active  []*Transport

	watchers    map[int]func()
	nextWatcher int

	reconnect *ReconnectHandler
}

// NewManager creates a Manager bound to l. keys may be nil, in which case
// AUTH always falls through to sending the public key.
func NewManager(l *looper.Looper, keys KeyProvider, opts Options) *Manager {
	m := &Manager{
		looper:         l,
		keys:           keys,
		features:       opts.Features,
		legacyChecksum: opts.LegacyChecksum,
		vendorKeys:     opts.VendorKeys,
		oneDevice:      opts.OneDevice,
		watchers:       map[int]func(){},
	}
	if m.features == nil {
		m.features = protocol.SupportedFeatures(false)
	}
	m.reconnect = newReconnectHandler(m, opts.ReconnectDelay, opts.ReconnectInterval, opts.ReconnectAttempts)
	return m
}

// SetStreamHandler wires the socket layer. It must be called before any
// transport registers.
func (m *Manager) SetStreamHandler(h StreamHandler) { m.streams = h }

// Looper returns the looper every transport runs on.
func (m *Manager) Looper() *looper.Looper { return m.looper }

// Features is the host's supported feature list.
func (m *Manager) Features() protocol.FeatureSet { return m.features }

// Reconnects is the reconnect scheduler.
func (m *Manager) Reconnects() *ReconnectHandler { return m.reconnect }

// Watch registers fn to run on the looper after every change to the
// transport list or to a transport's state. The returned func removes it.
func (m *Manager) Watch(fn func()) (remove func()) {
	m.looper.CheckLooper()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = fn
	return func() { delete(m.watchers, id) }
}

func (m *Manager) updateTransports() {
	for _, fn := range m.watchers {
		fn()
	}
}

// Transports returns a snapshot of the active list.
func (m *Manager) Transports() []*Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Transport(nil), m.active...)
}

// Find returns the active transport with the given id.
func (m *Manager) Find(id uint64) *Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.active {
		if t.id == id {
			return t
		}
	}
	return nil
}

// OwnsDevice reports whether --one-device admits the device.
func (m *Manager) OwnsDevice(devpath, serial string) bool {
	if m.oneDevice == "" {
		return true
	}
	return m.oneDevice == serial || (devpath != "" && m.oneDevice == devpath)
}

// RegisterSocketTransport registers a TCP (or WebSocket) link and waits
// for its first handshake to finish. Emulators return as soon as they are
// queued. It must not be called on the looper.
func (m *Manager) RegisterSocketTransport(conn connection.Connection, serial string, emulator bool, reconnect ReconnectFunc) (*Transport, error) {
	m.looper.CheckNotLooper()

	t := newTransport(m, TypeLocal, serial, StateOffline)
	t.emulator = emulator
	t.reconnect = reconnect
	t.SetConnection(conn)

	m.mu.Lock()
	for _, list := range [][]*Transport{m.pending, m.active} {
		for _, other := range list {
			if other.serial == serial {
				m.mu.Unlock()
				util.Tracef(util.TraceTransport, "socket transport %s is already in the transport list", serial)
				return nil, ErrAlreadyConnected
			}
		}
	}
	m.pending = append(m.pending, t)
	m.mu.Unlock()

	util.Tracef(util.TraceTransport, "transport: %s init'ing for socket", serial)
	m.register(t)

	if emulator {
		return t, nil
	}
	if !t.waitable.Wait(connectTimeout) {
		util.LogWarning("timeout waiting for connection to %s", serial)
		return t, ErrTimeout
	}
	if t.ConnectionState() == StateUnauthorized {
		return t, ErrUnauthorized
	}
	return t, nil
}

// RegisterUSBTransport registers a link produced by the USB layer. A
// device the user cannot open is listed with "no permissions".
func (m *Manager) RegisterUSBTransport(conn connection.Connection, serial, devpath string, writable bool) *Transport {
	state := StateOffline
	if !writable {
		state = StateNoPerm
	}
	t := newTransport(m, TypeUSB, serial, state)
	t.devpath = devpath
	t.SetConnection(conn)

	m.mu.Lock()
	m.pending = append(m.pending, t)
	m.mu.Unlock()

	util.Tracef(util.TraceTransport, "transport: %s init'ing for usb device %s", serial, devpath)
	m.register(t)
	return t
}

// register starts the connection on the looper, sends CNXN and moves t to
// the front of the active list.
func (m *Manager) register(t *Transport) {
	m.looper.Post(func() {
		if t.ConnectionState() != StateNoPerm {
			if err := t.Connection().Start(); err != nil {
				util.LogError("%s: failed to start connection: %v", t.displayName(), err)
				m.unlink(t)
				t.runDisconnects()
				t.SetConnectionEstablished(false)
				return
			}
			t.mu.Lock()
			t.state = StateConnecting
			t.mu.Unlock()
			m.sendConnect(t)
		}

		m.mu.Lock()
		known := m.isActiveLocked(t)
		m.removeLocked(t)
		m.active = append([]*Transport{t}, m.active...)
		m.mu.Unlock()

		if !known {
			util.Stats.AddTransport()
		}
		util.Tracef(util.TraceTransport, "transport: %s registered", t.displayName())
		m.updateTransports()
	})
}

func (m *Manager) removeLocked(t *Transport) {
	for i, other := range m.pending {
		if other == t {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	for i, other := range m.active {
		if other == t {
			m.active = append(m.active[:i], m.active[i+1:]...)
			return
		}
	}
}

func (m *Manager) isActiveLocked(t *Transport) bool {
	for _, other := range m.active {
		if other == t {
			return true
		}
	}
	return false
}

// unlink drops t from both lists and reports whether it was active.
func (m *Manager) unlink(t *Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasActive := m.isActiveLocked(t)
	m.removeLocked(t)
	return wasActive
}

// destroy runs after the connection reported its error. TCP transports
// that were not kicked are handed to the reconnect scheduler instead.
func (m *Manager) destroy(t *Transport) {
	m.looper.CheckLooper()
	util.LogInfo("destroying transport %s", t.displayName())
	if c := t.Connection(); c != nil {
		c.Stop()
	}

	if t.typ == TypeLocal && t.reconnect != nil && !t.Kicked() {
		util.LogInfo("attempting to reconnect %s", t.displayName())
		t.ResetKeys()
		m.reconnect.Track(t)
		return
	}
	m.remove(t)
}

// remove unregisters t for good.
func (m *Manager) remove(t *Transport) {
	m.looper.Post(func() {
		if t.destroyed {
			return
		}
		t.destroyed = true
		util.Tracef(util.TraceTransport, "transport: %s removing and free'ing", t.displayName())
		if m.unlink(t) {
			util.Stats.RemoveTransport()
		}
		t.runDisconnects()
		t.SetConnectionEstablished(false)
		m.updateTransports()
	})
}

// KickAll stops reconnecting and kicks every transport. Used at shutdown.
func (m *Manager) KickAll() {
	util.Tracef(util.TraceTransport, "kicking all transports")
	m.reconnect.Stop()
	for _, t := range m.Transports() {
		t.Kick()
	}
}

// FindSerial returns the active transport whose serial is exactly serial.
func (m *Manager) FindSerial(serial string) *Transport {
	for _, t := range m.Transports() {
		if t.serial == serial {
			return t
		}
	}
	return nil
}

// KickAllTCP kicks every network transport. Their reconnect attempts are
// dropped with them.
func (m *Manager) KickAllTCP() {
	for _, t := range m.Transports() {
		if t.typ == TypeLocal {
			t.Kick()
		}
	}
	m.reconnect.signal()
}

// KickBySerial kicks the active transport with the given serial.
func (m *Manager) KickBySerial(serial string) bool {
	for _, t := range m.Transports() {
		if t.serial == serial {
			t.Kick()
			return true
		}
	}
	return false
}

func (m *Manager) handleOnline(t *Transport) {
	util.Tracef(util.TraceAdb, "%s: online", t.displayName())
	t.online = true
	t.SetConnectionEstablished(true)
}

func (m *Manager) handleOffline(t *Transport) {
	if t.ConnectionState() == StateOffline {
		util.LogInfo("%s: already offline", t.displayName())
		return
	}
	util.LogInfo("%s: offline", t.displayName())
	t.SetConnectionState(StateOffline)
	t.online = false
	if m.streams != nil {
		m.streams.CloseAll(t)
	}
	t.runDisconnects()
}
