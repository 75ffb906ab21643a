// Package transporttest provides a scripted device for tests of the
// packages layered on top of transports.
package transporttest

import (
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/adbhost/internal/connection"
	"github.com/1ureka/adbhost/internal/protocol"
)

// Timeout bounds every wait in Next.
const Timeout = 2 * time.Second

// Device is a connection.Connection whose far end is the test. Packets the
// host writes are queued for Next; Send plays packets from the device.
type Device struct {
	mu      sync.Mutex
	handler connection.Handler
	stopped bool

	written chan *protocol.Packet
}

// NewDevice returns a device that buffers up to 256 host packets.
func NewDevice() *Device {
	return &Device{written: make(chan *protocol.Packet, 256)}
}

func (d *Device) SetHandler(h connection.Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *Device) Start() error { return nil }

// Stop reports "requested stop" to the transport the first time.
func (d *Device) Stop() {
	d.mu.Lock()
	first := !d.stopped
	d.stopped = true
	h := d.handler
	d.mu.Unlock()
	if first && h != nil {
		h.HandleError("requested stop")
	}
}

func (d *Device) Reset() { d.Stop() }

func (d *Device) Write(pkt *protocol.Packet) error {
	d.written <- pkt
	return nil
}

func (d *Device) DoTLSHandshake(*tls.Config) error { return errors.New("tls is not supported") }

// Stopped reports whether the transport stopped the connection.
func (d *Device) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Send delivers a packet from the device.
func (d *Device) Send(cmd, arg0, arg1 uint32, payload []byte) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	h.HandleRead(protocol.NewPacket(cmd, arg0, arg1, payload))
}

// Next returns the next packet the host wrote.
func (d *Device) Next(t testing.TB) *protocol.Packet {
	t.Helper()
	select {
	case p := <-d.written:
		return p
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for a packet from the host")
		return nil
	}
}

// Quiet fails t if the host writes a packet within wait.
func (d *Device) Quiet(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case p := <-d.written:
		t.Fatalf("unexpected packet from the host: %s", p)
	case <-time.After(wait):
	}
}

// Connect answers the host's CNXN with banner. The transport must have
// been registered with d.
func (d *Device) Connect(t testing.TB, banner string) {
	t.Helper()
	if p := d.Next(t); p.Command != protocol.CmdCNXN {
		t.Fatalf("expected CNXN, got %s", protocol.CommandName(p.Command))
	}
	d.Send(protocol.CmdCNXN, protocol.Version, protocol.MaxPayload, []byte(banner))
}
