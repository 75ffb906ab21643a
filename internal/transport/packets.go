package transport

import (
	"encoding/binary"
	"strings"

	"github.com/1ureka/adbhost/internal/auth"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/util"
)

// handlePacket applies one packet read from t. Looper only.
func (m *Manager) handlePacket(t *Transport, pkt *protocol.Packet) {
	if t.online && t.version < protocol.VersionSkipChecksum && m.legacyChecksum &&
		protocol.Checksum(pkt.Payload) != pkt.DataCheck {
		util.LogWarning("%s: bad checksum on %s, kicking", t.displayName(), protocol.CommandName(pkt.Command))
		t.Kick()
		return
	}

	switch pkt.Command {
	case protocol.CmdCNXN:
		m.handleNewConnection(t, pkt)

	case protocol.CmdSTLS:
		m.handleSTLS(t, pkt)

	case protocol.CmdAUTH:
		m.handleAuth(t, pkt)

	case protocol.CmdOPEN:
		m.handleOpen(t, pkt)

	case protocol.CmdOKAY:
		m.handleOkay(t, pkt)

	case protocol.CmdCLSE:
		if !t.online || pkt.Arg1 == 0 {
			return
		}
		if m.streams != nil {
			m.streams.HandleClose(t, pkt.Arg0, pkt.Arg1)
		}

	case protocol.CmdWRTE:
		if !t.online || pkt.Arg0 == 0 || pkt.Arg1 == 0 {
			return
		}
		if m.streams != nil {
			m.streams.HandleWrite(t, pkt.Arg0, pkt.Arg1, pkt.Payload)
		}

	default:
		util.LogWarning("%s: handle_packet: what is %08x?!", t.displayName(), pkt.Command)
	}
}

func (m *Manager) handleNewConnection(t *Transport, pkt *protocol.Packet) {
	m.handleOffline(t)

	version := pkt.Arg0
	if version > protocol.Version {
		version = protocol.Version
	}
	maxPayload := int64(pkt.Arg1)
	if maxPayload > protocol.MaxPayload {
		maxPayload = protocol.MaxPayload
	}
	if version < protocol.VersionSkipChecksum && !m.legacyChecksum {
		util.LogError("%s: peer speaks legacy protocol %08x and checksums are disabled, rejecting",
			t.displayName(), pkt.Arg0)
		t.Kick()
		return
	}
	t.version = version
	t.maxPayload.Store(maxPayload)
	util.Tracef(util.TraceAdb, "%s: version %08x, max payload %d", t.displayName(), version, maxPayload)

	m.parseBanner(t, string(pkt.Payload))
	m.handleOnline(t)
}

// parseBanner handles "<type>:<serial>:<key=value;...>". Features are
// cleared first so a reconnecting device never keeps stale ones.
func (m *Manager) parseBanner(t *Transport, banner string) {
	banner = strings.TrimRight(banner, "\x00")
	util.Tracef(util.TraceAdb, "%s: parse_banner: %s", t.displayName(), banner)

	t.mu.Lock()
	t.features = nil
	pieces := strings.Split(banner, ":")
	if len(pieces) > 2 {
		for _, prop := range strings.Split(pieces[2], ";") {
			kv := strings.Split(prop, "=")
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "ro.product.name":
				t.product = kv[1]
			case "ro.product.model":
				t.model = kv[1]
			case "ro.product.device":
				t.device = kv[1]
			case "features":
				t.features = protocol.StringToFeatureSet(kv[1])
			}
		}
	}
	remote := t.features
	t.mu.Unlock()

	t.delayedAck = protocol.CanUseFeature(remote, protocol.FeatureDelayedAck, m.features)

	state := StateHost
	switch pieces[0] {
	case "bootloader":
		state = StateBootloader
	case "device":
		state = StateDevice
	case "recovery":
		state = StateRecovery
	case "sideload":
		state = StateSideload
	case "rescue":
		state = StateRescue
	default:
		util.Tracef(util.TraceAdb, "%s: unknown device type '%s', treating as host", t.displayName(), pieces[0])
	}
	t.SetConnectionState(state)
}

// sendConnect sends the host banner. The largest version we speak goes
// out even though t starts at the minimum; the device answers with the
// version both sides support.
func (m *Manager) sendConnect(t *Transport) {
	banner := "host::features=" + protocol.FeatureSetToString(m.features)
	if len(banner) > protocol.MaxPayloadV1 {
		panic("connection banner is too long")
	}
	util.Tracef(util.TraceAdb, "%s: send_connect", t.displayName())
	t.Send(protocol.NewPacket(protocol.CmdCNXN, protocol.Version, uint32(t.MaxPayload()), []byte(banner)))
}

func (m *Manager) handleSTLS(t *Transport, pkt *protocol.Packet) {
	util.Tracef(util.TraceAuth, "%s: received STLS packet, starting TLS handshake", t.displayName())
	t.useTLS = true
	t.Send(protocol.NewPacket(protocol.CmdSTLS, protocol.STLSVersion, 0, nil))

	key := t.Key()
	if key == nil {
		key = t.NextKey()
	}
	if m.keys == nil || key == nil {
		util.LogError("%s: no key available for the TLS handshake", t.displayName())
		t.Kick()
		return
	}
	cfg := m.keys.TLSConfig(key)
	conn := t.Connection()
	go func() {
		if err := conn.DoTLSHandshake(cfg); err != nil {
			util.LogWarning("%s: TLS handshake failed: %v", t.displayName(), err)
			m.looper.Post(t.Kick)
			return
		}
		util.LogInfo("%s: TLS handshake succeeded", t.displayName())
	}()
}

func (m *Manager) handleAuth(t *Transport, pkt *protocol.Packet) {
	if t.useTLS {
		util.Tracef(util.TraceAuth, "%s: ignoring AUTH packet over TLS", t.displayName())
		return
	}
	if pkt.Arg0 != protocol.AuthToken {
		util.LogError("%s: unexpected AUTH type %d", t.displayName(), pkt.Arg0)
		t.SetConnectionState(StateOffline)
		m.handleOffline(t)
		return
	}
	if t.ConnectionState() != StateAuthorizing {
		t.SetConnectionState(StateAuthorizing)
	}
	m.sendAuthResponse(t, pkt.Payload)
}

// sendAuthResponse signs token with the next key. When every key has been
// tried the user's public key is offered so the device can prompt.
func (m *Manager) sendAuthResponse(t *Transport, token []byte) {
	key := t.NextKey()
	if key == nil {
		t.SetConnectionState(StateUnauthorized)
		t.SetConnectionEstablished(true)
		m.sendAuthPublicKey(t)
		return
	}

	sig, err := auth.Sign(key, token)
	if err != nil {
		util.LogError("%s: error signing the token: %v", t.displayName(), err)
		return
	}
	util.Tracef(util.TraceAuth, "%s: sending AUTH signature", t.displayName())
	t.Send(protocol.NewPacket(protocol.CmdAUTH, protocol.AuthSignature, 0, sig))
}

func (m *Manager) sendAuthPublicKey(t *Transport) {
	if m.keys == nil {
		util.LogError("%s: failed to get user public key", t.displayName())
		return
	}
	key, err := m.keys.UserPublicKey()
	if err != nil {
		util.LogError("%s: failed to get user public key: %v", t.displayName(), err)
		return
	}
	if len(key)+1 >= protocol.MaxPayloadV1 {
		util.LogError("%s: user public key too large (%d B)", t.displayName(), len(key))
		return
	}
	util.Tracef(util.TraceAuth, "%s: sending AUTH public key", t.displayName())
	t.Send(protocol.NewPacket(protocol.CmdAUTH, protocol.AuthRSAPublicKey, 0, append([]byte(key), 0)))
}

func (m *Manager) handleOpen(t *Transport, pkt *protocol.Packet) {
	if !t.online || pkt.Arg0 == 0 {
		return
	}
	// Delayed ack is in use iff the device granted initial credit.
	if t.SupportsDelayedAck() != (pkt.Arg1 != 0) {
		util.LogError("%s: unexpected delayed ack credit %d on OPEN (delayed ack %t)",
			t.displayName(), pkt.Arg1, t.SupportsDelayedAck())
		t.SendClose(0, pkt.Arg0)
		return
	}

	destination := strings.TrimRight(string(pkt.Payload), "\x00")
	if !t.IsReverseConfigured(destination) {
		util.LogWarning("%s: rejecting reverse OPEN to '%s': not configured by 'adb reverse'",
			t.displayName(), destination)
		t.SendClose(0, pkt.Arg0)
		return
	}
	if m.streams == nil {
		t.SendClose(0, pkt.Arg0)
		return
	}
	m.streams.HandleOpen(t, pkt.Arg0, pkt.Arg1, destination)
}

func (m *Manager) handleOkay(t *Transport, pkt *protocol.Packet) {
	if !t.online || pkt.Arg0 == 0 || pkt.Arg1 == 0 {
		return
	}
	var ack *int32
	switch len(pkt.Payload) {
	case 0:
	case 4:
		v := int32(binary.LittleEndian.Uint32(pkt.Payload))
		ack = &v
	default:
		util.LogError("%s: invalid A_OKAY payload size: %d", t.displayName(), len(pkt.Payload))
		return
	}
	if m.streams != nil {
		m.streams.HandleOkay(t, pkt.Arg0, pkt.Arg1, ack)
	}
}
