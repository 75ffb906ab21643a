package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetTrace(t *testing.T) {
	defer SetTrace("")

	SetTrace("sockets, packets,bogus")
	assert.True(t, TraceEnabled(TraceSockets))
	assert.True(t, TraceEnabled(TracePackets))
	assert.False(t, TraceEnabled(TraceAuth))
	assert.False(t, TraceEnabled("bogus"))
	assert.Equal(t, "sockets,packets", TraceLevel())

	SetTrace("1")
	for _, tag := range knownTraceTags {
		assert.True(t, TraceEnabled(tag), tag)
	}

	SetTrace("all")
	assert.True(t, TraceEnabled(TraceMdns))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "99.0   B", formatBytes(99))
	assert.Equal(t, " 1.5 KiB", formatBytes(1536))
	assert.Len(t, formatBytes(100*1024), 8)
}

func TestThrottleSuppresses(t *testing.T) {
	th := NewThrottle(time.Hour, 2)
	for n := 0; n < 5; n++ {
		th.Warnf("probe failed")
	}
	assert.Equal(t, int64(3), th.Suppressed())
}

func TestStatsCounters(t *testing.T) {
	before := Stats.PacketsSent.Load()
	bytesBefore := Stats.BytesSent.Load()
	Stats.AddSent(10)
	assert.Equal(t, before+1, Stats.PacketsSent.Load())
	assert.Equal(t, bytesBefore+10, Stats.BytesSent.Load())

	online := Stats.TransportsOnline.Load()
	Stats.AddTransport()
	Stats.RemoveTransport()
	assert.Equal(t, online, Stats.TransportsOnline.Load())
}
