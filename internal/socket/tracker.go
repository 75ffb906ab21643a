package socket

import (
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

// TrackerSocket pushes a framed snapshot to its client every time the
// tracked state changes: the device list for track-devices, discovered
// services for track-mdns-services.
type TrackerSocket struct {
	peer         Socket
	render       func() (string, error)
	unsubscribe  func()
	updateNeeded bool
	closed       bool
}

// NewTrackerSocket creates a tracker. subscribe registers a callback that
// runs on the looper after every change and returns its removal func.
// The first snapshot goes out when the tracker is made ready, even if
// nothing changed. Looper only.
func (r *Registry) NewTrackerSocket(render func() (string, error), subscribe func(update func()) (cancel func())) *TrackerSocket {
	r.looper.CheckLooper()
	t := &TrackerSocket{render: render, updateNeeded: true}
	t.unsubscribe = subscribe(t.Update)
	util.Tracef(util.TraceServices, "device tracker created")
	return t
}

func (t *TrackerSocket) ID() uint32 { return 0 }

func (t *TrackerSocket) Peer() Socket { return t.peer }

func (t *TrackerSocket) SetPeer(p Socket) { t.peer = p }

func (t *TrackerSocket) Transport() *transport.Transport { return nil }

// Enqueue closes the tracker: clients may not write to it.
func (t *TrackerSocket) Enqueue([]byte) int {
	t.Close()
	return -1
}

func (t *TrackerSocket) Ready() {
	if t.updateNeeded {
		t.updateNeeded = false
		t.send()
	}
}

func (t *TrackerSocket) Shutdown() {}

// Update sends a fresh snapshot.
func (t *TrackerSocket) Update() {
	if t.closed {
		return
	}
	t.send()
}

func (t *TrackerSocket) send() {
	if t.peer == nil {
		return
	}
	s, err := t.render()
	if err != nil {
		util.LogError("tracker: %v", err)
		return
	}
	t.peer.Enqueue(protocol.FormatProtocolString(s))
}

func (t *TrackerSocket) Close() {
	if t.closed {
		return
	}
	t.closed = true
	util.Tracef(util.TraceServices, "device tracker removed")
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	if p := t.peer; p != nil {
		p.SetPeer(nil)
		t.peer = nil
		p.Close()
	}
}
