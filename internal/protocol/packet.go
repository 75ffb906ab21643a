package protocol

import (
	"fmt"
	"strings"
)

// Command codes. Each is a 4-character ASCII tag read as a little-endian u32.
const (
	CmdSYNC uint32 = 0x434e5953
	CmdCNXN uint32 = 0x4e584e43
	CmdOPEN uint32 = 0x4e45504f
	CmdOKAY uint32 = 0x59414b4f
	CmdCLSE uint32 = 0x45534c43
	CmdWRTE uint32 = 0x45545257
	CmdAUTH uint32 = 0x48545541
	CmdSTLS uint32 = 0x534c5453
)

// Protocol versions exchanged in CNXN.arg0.
const (
	VersionMin          uint32 = 0x01000000
	VersionSkipChecksum uint32 = 0x01000001
	Version             uint32 = 0x01000001

	STLSVersionMin uint32 = 0x01000000
	STLSVersion    uint32 = 0x01000000
)

// Payload limits.
const (
	HeaderSize   = 24
	MaxPayloadV1 = 4 * 1024
	MaxPayload   = 1024 * 1024

	// InitialDelayedAckBytes is the per-stream send window granted when
	// delayed acks are negotiated.
	InitialDelayedAckBytes = 32 * 1024 * 1024
)

// AUTH arg0 values.
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

// ServerVersion is reported by host:version and bumped whenever a host
// feature that adbd must know about is added.
const ServerVersion = 41

const (
	DefaultServerPort         = 5037
	DefaultLocalTransportPort = 5555
)

// Message is the fixed 24-byte little-endian packet header.
type Message struct {
	Command    uint32
	Arg0       uint32
	Arg1       uint32
	DataLength uint32
	DataCheck  uint32
	Magic      uint32
}

// Packet is a header plus its payload (apacket).
type Packet struct {
	Message
	Payload []byte
}

// NewPacket builds a packet with DataLength and Magic filled in. DataCheck
// is left at zero; Transport.Send fills it for legacy peers.
func NewPacket(cmd, arg0, arg1 uint32, payload []byte) *Packet {
	return &Packet{
		Message: Message{
			Command:    cmd,
			Arg0:       arg0,
			Arg1:       arg1,
			DataLength: uint32(len(payload)),
			Magic:      cmd ^ 0xffffffff,
		},
		Payload: payload,
	}
}

// ValidMagic reports whether magic == command ^ 0xffffffff.
func (m *Message) ValidMagic() bool {
	return m.Magic == m.Command^0xffffffff
}

// Checksum returns the legacy sum-of-bytes payload checksum.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// CommandName returns the A_XXXX name of cmd.
func CommandName(cmd uint32) string {
	switch cmd {
	case CmdSYNC:
		return "A_SYNC"
	case CmdCNXN:
		return "A_CNXN"
	case CmdOPEN:
		return "A_OPEN"
	case CmdOKAY:
		return "A_OKAY"
	case CmdCLSE:
		return "A_CLSE"
	case CmdWRTE:
		return "A_WRTE"
	case CmdAUTH:
		return "A_AUTH"
	case CmdSTLS:
		return "A_STLS"
	default:
		return fmt.Sprintf("UNKNOWN (%d)", cmd)
	}
}

// commandTag returns the 4-letter tag, or "????" for unknown commands.
func commandTag(cmd uint32) string {
	switch cmd {
	case CmdSYNC, CmdCNXN, CmdOPEN, CmdOKAY, CmdCLSE, CmdWRTE, CmdAUTH, CmdSTLS:
		return string([]byte{byte(cmd), byte(cmd >> 8), byte(cmd >> 16), byte(cmd >> 24)})
	default:
		return "????"
	}
}

const dumpMax = 32

// String renders the packet the way packet traces print it:
// tag, both args, length and a printable prefix of the payload.
func (p *Packet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %08x %08x %04x \"", commandTag(p.Command), p.Arg0, p.Arg1, p.DataLength)
	data := p.Payload
	truncated := len(data) > dumpMax
	if truncated {
		data = data[:dumpMax]
	}
	for _, c := range data {
		if c >= ' ' && c < 127 {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	if !truncated {
		b.WriteByte('"')
	}
	return b.String()
}
