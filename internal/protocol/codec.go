package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrBadMagic        = errors.New("bad magic")
)

// EncodeHeader writes m into the first HeaderSize bytes of dst.
func EncodeHeader(dst []byte, m *Message) {
	binary.LittleEndian.PutUint32(dst[0:4], m.Command)
	binary.LittleEndian.PutUint32(dst[4:8], m.Arg0)
	binary.LittleEndian.PutUint32(dst[8:12], m.Arg1)
	binary.LittleEndian.PutUint32(dst[12:16], m.DataLength)
	binary.LittleEndian.PutUint32(dst[16:20], m.DataCheck)
	binary.LittleEndian.PutUint32(dst[20:24], m.Magic)
}

// DecodeHeader parses a 24-byte header. It does not validate the result.
func DecodeHeader(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, fmt.Errorf("%w: header too short: %d bytes (need %d)", ErrMalformedPacket, len(b), HeaderSize)
	}
	return Message{
		Command:    binary.LittleEndian.Uint32(b[0:4]),
		Arg0:       binary.LittleEndian.Uint32(b[4:8]),
		Arg1:       binary.LittleEndian.Uint32(b[8:12]),
		DataLength: binary.LittleEndian.Uint32(b[12:16]),
		DataCheck:  binary.LittleEndian.Uint32(b[16:20]),
		Magic:      binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

// CheckHeader validates magic and length against maxPayload.
func CheckHeader(m *Message, maxPayload int) error {
	if !m.ValidMagic() {
		return fmt.Errorf("%w: command %08x magic %08x", ErrBadMagic, m.Command, m.Magic)
	}
	if int64(m.DataLength) > int64(maxPayload) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, m.DataLength, maxPayload)
	}
	return nil
}

// Encode serializes a packet (header followed by payload) for the wire.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	EncodeHeader(buf, &pkt.Message)
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// Decode deserializes one complete packet. Trailing bytes beyond
// DataLength are an error.
func Decode(data []byte) (*Packet, error) {
	msg, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if err := CheckHeader(&msg, MaxPayload); err != nil {
		return nil, err
	}
	if len(data)-HeaderSize != int(msg.DataLength) {
		return nil, fmt.Errorf("%w: have %d payload bytes, header says %d",
			ErrMalformedPacket, len(data)-HeaderSize, msg.DataLength)
	}
	pkt := &Packet{Message: msg}
	if msg.DataLength > 0 {
		pkt.Payload = make([]byte, msg.DataLength)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
