package mdns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/1ureka/adbhost/internal/looper"
)

func newLooper(t *testing.T) *looper.Looper {
	t.Helper()
	l := looper.New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

func TestRegistryAddAndList(t *testing.T) {
	reg := NewRegistry(newLooper(t), time.Minute)
	pixel := Service{Instance: "adb-R58M-abc", Type: TypeTLSConnect, Host: "192.168.1.20", Port: 37001}

	assert.True(t, reg.Add(pixel))
	assert.False(t, reg.Add(pixel))
	assert.True(t, reg.Add(Service{Instance: "adb-A1", Type: TypeAdb, Host: "192.168.1.21", Port: 5555}))

	assert.Equal(t, "adb-A1\t_adb._tcp\t192.168.1.21:5555\n"+
		"adb-R58M-abc\t_adb-tls-connect._tcp\t192.168.1.20:37001\n", reg.ServicesText())

	found, ok := reg.Lookup("adb-R58M-abc._adb-tls-connect._tcp.local.")
	require.True(t, ok)
	assert.Equal(t, pixel, found)

	moved := pixel
	moved.Port = 37002
	assert.True(t, reg.Add(moved))

	reg.Remove(pixel.Instance, pixel.Type)
	_, ok = reg.Lookup(pixel.Name())
	assert.False(t, ok)
}

func TestRegistryWatchersSeeExpiry(t *testing.T) {
	l := newLooper(t)
	reg := NewRegistry(l, 40*time.Millisecond)

	changes := make(chan struct{}, 16)
	l.RunSync(func() {
		reg.Watch(func() { changes <- struct{}{} })
	})

	reg.Add(Service{Instance: "adb-X", Type: TypeAdb, Host: "10.0.0.2", Port: 5555})
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("no notification for the new service")
	}

	require.Eventually(t, func() bool { return reg.ServicesText() == "" }, time.Second, 10*time.Millisecond)
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("no notification for the expired service")
	}
}

func TestParseAutoConnect(t *testing.T) {
	assert.Equal(t, map[string]bool{TypeTLSConnect: true}, ParseAutoConnect(""))
	assert.Empty(t, ParseAutoConnect("0"))
	assert.Len(t, ParseAutoConnect("1"), 3)
	assert.Equal(t, map[string]bool{TypeAdb: true, TypeTLSPairing: true}, ParseAutoConnect("adb, adb-tls-pairing,bogus"))
}

func TestSplitInstance(t *testing.T) {
	tests := []struct {
		name     string
		instance string
		typ      string
		ok       bool
	}{
		{"adb-R58M._adb-tls-connect._tcp.local.", "adb-R58M", TypeTLSConnect, true},
		{"emu._adb._tcp.local.", "emu", TypeAdb, true},
		{"x._adb-tls-pairing._tcp.local.", "x", TypeTLSPairing, true},
		{"printer._ipp._tcp.local.", "", "", false},
		{"_adb._tcp.local.", "", "", false},
	}
	for _, tt := range tests {
		instance, typ, ok := splitInstance(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.instance, instance, tt.name)
		assert.Equal(t, tt.typ, typ, tt.name)
	}
}

func mustName(t *testing.T, s string) dnsmessage.Name {
	t.Helper()
	n, err := dnsmessage.NewName(s)
	require.NoError(t, err)
	return n
}

func response(t *testing.T, instance, typ string, port uint16, ttl uint32) []byte {
	t.Helper()
	full := mustName(t, instance+"."+typ+".local.")
	host := mustName(t, "phone.local.")
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{Response: true, Authoritative: true},
		Answers: []dnsmessage.Resource{
			{
				Header: dnsmessage.ResourceHeader{Name: mustName(t, typ+".local."), Type: dnsmessage.TypePTR, Class: dnsmessage.ClassINET, TTL: ttl},
				Body:   &dnsmessage.PTRResource{PTR: full},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: full, Type: dnsmessage.TypeSRV, Class: dnsmessage.ClassINET, TTL: ttl},
				Body:   &dnsmessage.SRVResource{Target: host, Port: port},
			},
		},
		Additionals: []dnsmessage.Resource{
			{
				Header: dnsmessage.ResourceHeader{Name: host, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET, TTL: ttl},
				Body:   &dnsmessage.AResource{A: [4]byte{192, 168, 1, 30}},
			},
		},
	}
	b, err := msg.Pack()
	require.NoError(t, err)
	return b
}

func TestIngestAndGoodbye(t *testing.T) {
	reg := NewRegistry(newLooper(t), time.Minute)
	b := NewBrowser(reg, 0)
	var seen []Service
	b.OnService = func(s Service) { seen = append(seen, s) }

	b.ingest(response(t, "adb-R58M", TypeTLSConnect, 41234, 120))
	want := Service{Instance: "adb-R58M", Type: TypeTLSConnect, Host: "192.168.1.30", Port: 41234}
	assert.Equal(t, []Service{want}, seen)
	assert.Equal(t, []Service{want}, reg.Services())

	// Repeated announcements do not fire again.
	b.ingest(response(t, "adb-R58M", TypeTLSConnect, 41234, 120))
	assert.Len(t, seen, 1)

	b.ingest(response(t, "adb-R58M", TypeTLSConnect, 41234, 0))
	assert.Empty(t, reg.Services())

	b.ingest([]byte{1, 2, 3})
	assert.Empty(t, reg.Services())
}

func TestBrowseAgainstResponder(t *testing.T) {
	responder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { responder.Close() })

	reply := response(t, "emu-5554", TypeAdb, 5555, 120)
	go func() {
		buf := make([]byte, 1500)
		n, from, err := responder.ReadFrom(buf)
		if err != nil {
			return
		}
		var q dnsmessage.Message
		if q.Unpack(buf[:n]) != nil || len(q.Questions) != len(ServiceTypes) {
			return
		}
		_, _ = responder.WriteTo(reply, from)
	}()

	reg := NewRegistry(newLooper(t), time.Minute)
	b := NewBrowser(reg, 0)
	b.group = responder.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = b.Browse(ctx)

	s, ok := reg.Lookup("emu-5554._adb._tcp")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.30:5555", s.Address())
}

func TestResolverServiceLookup(t *testing.T) {
	reg := NewRegistry(newLooper(t), time.Minute)
	reg.Add(Service{Instance: "adb-Q", Type: TypeTLSConnect, Host: "10.1.1.1", Port: 40000})
	r := &Resolver{reg: reg}

	host, port, ok := r.ResolveService("adb-Q._adb-tls-connect._tcp")
	require.True(t, ok)
	assert.Equal(t, "10.1.1.1", host)
	assert.Equal(t, 40000, port)

	_, _, ok = r.ResolveService("nope._adb._tcp")
	assert.False(t, ok)

	_, err := r.ResolveHost(context.Background(), "phone.local")
	assert.Error(t, err)
	assert.NoError(t, r.Close())
}
