package protocol

import "fmt"

// Reader reassembles packets from an arbitrarily fragmented byte stream.
// It is owned by a single read loop and needs no locking.
//
// AddBytes takes ownership of each block: when a block is exactly one
// whole payload it becomes that packet's payload without a copy, so the
// caller must not reuse it.
type Reader struct {
	maxPayload int

	header    [HeaderSize]byte
	headerLen int

	cur    *Packet // header parsed, payload pending
	filled int

	packets []*Packet
}

// NewReader returns a Reader that rejects payloads above maxPayload.
// A non-positive value means MaxPayload.
func NewReader(maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = MaxPayload
	}
	return &Reader{maxPayload: maxPayload}
}

// AddBytes feeds one block of stream data. On a malformed header the
// partial state and the rest of block are discarded and an error is
// returned. The reader stays usable: the next block is read as the start
// of a new header.
func (r *Reader) AddBytes(block []byte) error {
	pos := 0
	for pos < len(block) {
		if r.cur == nil {
			n := copy(r.header[r.headerLen:], block[pos:])
			r.headerLen += n
			pos += n
			if r.headerLen < HeaderSize {
				return nil
			}
			msg, _ := DecodeHeader(r.header[:])
			r.headerLen = 0
			if err := CheckHeader(&msg, r.maxPayload); err != nil {
				r.reset()
				return fmt.Errorf("%w: %w", ErrMalformedPacket, err)
			}
			r.cur = &Packet{Message: msg}
			if msg.DataLength == 0 {
				r.emit()
			}
			continue
		}

		need := int(r.cur.DataLength) - r.filled
		if r.filled == 0 && pos == 0 && len(block) == need {
			r.cur.Payload = block
			r.emit()
			return nil
		}
		if r.cur.Payload == nil {
			r.cur.Payload = make([]byte, r.cur.DataLength)
		}
		n := copy(r.cur.Payload[r.filled:], block[pos:])
		r.filled += n
		pos += n
		if r.filled == int(r.cur.DataLength) {
			r.emit()
		}
	}
	return nil
}

// TakePackets returns the completed packets in stream order and clears
// the internal list.
func (r *Reader) TakePackets() []*Packet {
	out := r.packets
	r.packets = nil
	return out
}

// Pending reports whether a partial header or payload is buffered.
func (r *Reader) Pending() bool {
	return r.headerLen > 0 || r.cur != nil
}

func (r *Reader) emit() {
	r.packets = append(r.packets, r.cur)
	r.cur = nil
	r.filled = 0
}

func (r *Reader) reset() {
	r.headerLen = 0
	r.cur = nil
	r.filled = 0
}
