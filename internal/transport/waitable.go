package transport

import (
	"sync"
	"time"
)

// Waitable is a one-shot latch reporting whether a transport got past its
// first connection attempt. The first SetEstablished call wins.
type Waitable struct {
	mu      sync.Mutex
	ready   chan struct{}
	fired   bool
	success bool
}

func newWaitable() *Waitable {
	return &Waitable{ready: make(chan struct{})}
}

// SetEstablished records the outcome and wakes waiters. Later calls are
// ignored.
func (w *Waitable) SetEstablished(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired {
		return
	}
	w.fired = true
	w.success = success
	close(w.ready)
}

// Wait blocks until the outcome is known or timeout elapses. It reports
// true only for a successful connection.
func (w *Waitable) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.ready:
	case <-timer.C:
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.success
}
