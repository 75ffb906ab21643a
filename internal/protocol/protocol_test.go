package protocol_test

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/adbhost/internal/protocol"
)

// TestEncodeDecodeRoundTrip checks that encoding and decoding are inverse
// for the payload sizes at the protocol boundaries.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *protocol.Packet
	}{
		{"OKAY with no payload", protocol.NewPacket(protocol.CmdOKAY, 1, 2, nil)},
		{"WRTE with one byte", protocol.NewPacket(protocol.CmdWRTE, 0x12345678, 0xdeadbeef, []byte{0x7f})},
		{"WRTE with 4KiB", protocol.NewPacket(protocol.CmdWRTE, 3, 4, bytes.Repeat([]byte{'a'}, protocol.MaxPayloadV1))},
		{"WRTE with 1MiB", protocol.NewPacket(protocol.CmdWRTE, 5, 6, bytes.Repeat([]byte{'b'}, protocol.MaxPayload))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := protocol.Encode(tc.pkt)
			require.Len(t, encoded, protocol.HeaderSize+len(tc.pkt.Payload))

			decoded, err := protocol.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tc.pkt.Message, decoded.Message)
			assert.True(t, bytes.Equal(tc.pkt.Payload, decoded.Payload))
			assert.True(t, decoded.ValidMagic())
		})
	}
}

func TestHeaderLayoutIsLittleEndian(t *testing.T) {
	pkt := protocol.NewPacket(protocol.CmdCNXN, protocol.Version, protocol.MaxPayload, []byte("host::"))
	b := protocol.Encode(pkt)
	assert.Equal(t, []byte("CNXN"), b[0:4])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x01}, b[4:8])
	assert.Equal(t, []byte{0x00, 0x00, 0x10, 0x00}, b[8:12])
	assert.Equal(t, []byte{6, 0, 0, 0}, b[12:16])
	assert.Equal(t, []byte{^byte('C'), ^byte('N'), ^byte('X'), ^byte('N')}, b[20:24])
}

func TestDecodeRejectsBadPackets(t *testing.T) {
	_, err := protocol.Decode(make([]byte, 10))
	assert.True(t, errors.Is(err, protocol.ErrMalformedPacket))

	pkt := protocol.Encode(protocol.NewPacket(protocol.CmdOKAY, 1, 2, nil))
	pkt[20] ^= 0xff
	_, err = protocol.Decode(pkt)
	assert.True(t, errors.Is(err, protocol.ErrBadMagic))

	msg := protocol.NewPacket(protocol.CmdWRTE, 1, 2, nil).Message
	msg.DataLength = protocol.MaxPayload + 1
	hdr := make([]byte, protocol.HeaderSize)
	protocol.EncodeHeader(hdr, &msg)
	_, err = protocol.Decode(hdr)
	assert.True(t, errors.Is(err, protocol.ErrPayloadTooLarge))
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint32(0), protocol.Checksum(nil))
	assert.Equal(t, uint32('a'+'b'+'c'), protocol.Checksum([]byte("abc")))
	assert.Equal(t, uint32(255*4), protocol.Checksum([]byte{0xff, 0xff, 0xff, 0xff}))
}

func TestPacketString(t *testing.T) {
	pkt := protocol.NewPacket(protocol.CmdWRTE, 1, 0x10, []byte("hi\n"))
	assert.Equal(t, `WRTE 00000001 00000010 0003 "hi."`, pkt.String())

	long := protocol.NewPacket(protocol.CmdWRTE, 1, 2, bytes.Repeat([]byte{'x'}, 40))
	assert.Equal(t, `WRTE 00000001 00000002 0028 "`+string(bytes.Repeat([]byte{'x'}, 32)), long.String())
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

func TestReaderConcatenation(t *testing.T) {
	wrte := protocol.Encode(protocol.NewPacket(protocol.CmdWRTE, 1, 2, []byte("hello")))
	okay := protocol.Encode(protocol.NewPacket(protocol.CmdOKAY, 1, 2, nil))

	r := protocol.NewReader(0)
	require.NoError(t, r.AddBytes(wrte[:protocol.HeaderSize]))
	assert.Empty(t, r.TakePackets())
	require.NoError(t, r.AddBytes([]byte("h")))
	assert.Empty(t, r.TakePackets())
	require.NoError(t, r.AddBytes(append([]byte("ello"), okay...)))

	pkts := r.TakePackets()
	require.Len(t, pkts, 2)
	assert.Equal(t, protocol.CmdWRTE, pkts[0].Command)
	assert.Equal(t, []byte("hello"), pkts[0].Payload)
	assert.Equal(t, protocol.CmdOKAY, pkts[1].Command)
	assert.Empty(t, pkts[1].Payload)
	assert.False(t, r.Pending())
	assert.Empty(t, r.TakePackets())
}

func TestReaderTakesWholePayloadBlock(t *testing.T) {
	payload := []byte("exact payload")
	hdr := protocol.Encode(protocol.NewPacket(protocol.CmdWRTE, 1, 2, payload))[:protocol.HeaderSize]

	r := protocol.NewReader(0)
	require.NoError(t, r.AddBytes(hdr))
	block := append([]byte(nil), payload...)
	require.NoError(t, r.AddBytes(block))

	pkts := r.TakePackets()
	require.Len(t, pkts, 1)
	assert.Same(t, &block[0], &pkts[0].Payload[0])
}

// TestReaderArbitraryPartitions feeds the same stream split at random
// points and expects the same packets every time.
func TestReaderArbitraryPartitions(t *testing.T) {
	var want []*protocol.Packet
	var stream []byte
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		payload := make([]byte, rng.Intn(3000))
		rng.Read(payload)
		p := protocol.NewPacket(protocol.CmdWRTE, uint32(i+1), uint32(i+100), payload)
		want = append(want, p)
		stream = append(stream, protocol.Encode(p)...)
	}

	for trial := 0; trial < 20; trial++ {
		r := protocol.NewReader(0)
		var got []*protocol.Packet
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(4096)
			if n > len(rest) {
				n = len(rest)
			}
			block := append([]byte(nil), rest[:n]...)
			rest = rest[n:]
			require.NoError(t, r.AddBytes(block), "trial %d", trial)
			got = append(got, r.TakePackets()...)
		}
		require.Len(t, got, len(want), "trial %d", trial)
		for i := range want {
			assert.Equal(t, want[i].Message, got[i].Message)
			assert.True(t, bytes.Equal(want[i].Payload, got[i].Payload))
		}
	}
}

func TestReaderRejectsOversizedPayload(t *testing.T) {
	msg := protocol.NewPacket(protocol.CmdWRTE, 1, 2, nil).Message
	msg.DataLength = protocol.MaxPayloadV1 + 1
	hdr := make([]byte, protocol.HeaderSize)
	protocol.EncodeHeader(hdr, &msg)

	r := protocol.NewReader(protocol.MaxPayloadV1)
	err := r.AddBytes(hdr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrMalformedPacket))
	assert.True(t, errors.Is(err, protocol.ErrPayloadTooLarge))
	assert.False(t, r.Pending())
}

func TestReaderRecoversAfterMalformedHeader(t *testing.T) {
	bad := make([]byte, protocol.HeaderSize)
	bad[0] = 0xff

	r := protocol.NewReader(0)
	require.ErrorIs(t, r.AddBytes(bad), protocol.ErrMalformedPacket)
	assert.False(t, r.Pending())
	assert.Empty(t, r.TakePackets())

	require.NoError(t, r.AddBytes(protocol.Encode(protocol.NewPacket(protocol.CmdOKAY, 3, 4, nil))))
	pkts := r.TakePackets()
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.CmdOKAY, pkts[0].Command)
	assert.Equal(t, uint32(3), pkts[0].Arg0)
}

// ---------------------------------------------------------------------------
// Features
// ---------------------------------------------------------------------------

func TestFeatureSetStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "cmd", "shell_v2,cmd,stat_v2", "a,,b", "delayed_ack,abb_exec"} {
		assert.Equal(t, s, protocol.FeatureSetToString(protocol.StringToFeatureSet(s)))
	}
	assert.Empty(t, protocol.StringToFeatureSet(""))
}

func TestSupportedFeaturesBurstMode(t *testing.T) {
	assert.False(t, protocol.SupportedFeatures(false).Has(protocol.FeatureDelayedAck))
	assert.True(t, protocol.SupportedFeatures(true).Has(protocol.FeatureDelayedAck))
	assert.True(t, protocol.SupportedFeatures(false).Has(protocol.FeatureShell2))
}

func TestCanUseFeature(t *testing.T) {
	local := protocol.SupportedFeatures(false)
	assert.True(t, protocol.CanUseFeature(protocol.FeatureSet{"cmd"}, "cmd", local))
	assert.False(t, protocol.CanUseFeature(protocol.FeatureSet{"cmd"}, "abb", local))
	assert.False(t, protocol.CanUseFeature(protocol.FeatureSet{"delayed_ack"}, "delayed_ack", local))
}

// ---------------------------------------------------------------------------
// Smartsocket framing
// ---------------------------------------------------------------------------

func TestSmartsocketFraming(t *testing.T) {
	assert.Equal(t, "000chost:version", string(protocol.FormatProtocolString("host:version")))
	assert.Equal(t, "OKAY00040029", string(protocol.OkayWithString("0029")))
	assert.Equal(t, "FAIL0006closed", string(protocol.FailReply("closed")))

	n, ok := protocol.Unhex([]byte("00ff"))
	assert.True(t, ok)
	assert.Equal(t, 255, n)
	_, ok = protocol.Unhex([]byte("zz00"))
	assert.False(t, ok)

	s, err := protocol.ReadProtocolString(bytes.NewReader([]byte("0005hello")))
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	require.NoError(t, protocol.ReadStatus(bytes.NewReader([]byte("OKAY"))))
	err = protocol.ReadStatus(bytes.NewReader(protocol.FailReply("device offline")))
	assert.True(t, errors.Is(err, protocol.ErrFail))
	assert.Contains(t, err.Error(), "device offline")
}
