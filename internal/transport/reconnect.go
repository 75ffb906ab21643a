package transport

import (
	"context"
	"sync"
	"time"

	"github.com/aalpar/deheap"

	"github.com/1ureka/adbhost/internal/util"
)

const (
	defaultReconnectDelay    = 250 * time.Millisecond
	defaultReconnectInterval = 3 * time.Second
	defaultReconnectAttempts = 20
)

// reconnectAttempt is one queued transport and when to try it next.
type reconnectAttempt struct {
	t            *Transport
	deadline     time.Time
	attemptsLeft int
	index        int
}

// attemptQueue is a heap.Interface ordered by deadline.
type attemptQueue []*reconnectAttempt

func (q attemptQueue) Len() int           { return len(q) }
func (q attemptQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q attemptQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *attemptQueue) Push(x interface{}) {
	a := x.(*reconnectAttempt)
	a.index = len(*q)
	*q = append(*q, a)
}

func (q *attemptQueue) Pop() interface{} {
	old := *q
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return a
}

// PendingAttempt is a snapshot of one queued reconnect.
type PendingAttempt struct {
	Serial       string
	Deadline     time.Time
	AttemptsLeft int
}

// ReconnectHandler retries dropped TCP transports on its own goroutine.
type ReconnectHandler struct {
	mgr      *Manager
	delay    time.Duration
	interval time.Duration
	attempts int

	mu      sync.Mutex
	queue   attemptQueue
	wake    chan struct{}
	stopped bool

	throttle *util.Throttle
}

func newReconnectHandler(m *Manager, delay, interval time.Duration, attempts int) *ReconnectHandler {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	if interval <= 0 {
		interval = defaultReconnectInterval
	}
	if attempts <= 0 {
		attempts = defaultReconnectAttempts
	}
	return &ReconnectHandler{
		mgr:      m,
		delay:    delay,
		interval: interval,
		attempts: attempts,
		wake:     make(chan struct{}, 1),
		throttle: util.NewThrottle(time.Second, 5),
	}
}

func (h *ReconnectHandler) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Track queues t for its first attempt.
func (h *ReconnectHandler) Track(t *Transport) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		h.mgr.remove(t)
		return
	}
	deheap.Push(&h.queue, &reconnectAttempt{
		t:            t,
		deadline:     time.Now().Add(h.delay),
		attemptsLeft: h.attempts,
	})
	h.mu.Unlock()
	h.signal()
}

// Pending returns the queue in deadline order.
func (h *ReconnectHandler) Pending() []PendingAttempt {
	h.mu.Lock()
	cp := make(attemptQueue, len(h.queue))
	for i, a := range h.queue {
		c := *a
		cp[i] = &c
	}
	h.mu.Unlock()

	out := make([]PendingAttempt, 0, len(cp))
	for cp.Len() > 0 {
		a := deheap.Pop(&cp).(*reconnectAttempt)
		out = append(out, PendingAttempt{Serial: a.t.serial, Deadline: a.deadline, AttemptsLeft: a.attemptsLeft})
	}
	return out
}

// Run services the queue until ctx is done or Stop is called.
func (h *ReconnectHandler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return nil
		}
		h.dropKickedLocked()

		wait := time.Hour
		var due *reconnectAttempt
		if h.queue.Len() > 0 {
			head := h.queue[0]
			if d := time.Until(head.deadline); d > 0 {
				wait = d
			} else {
				due = deheap.Pop(&h.queue).(*reconnectAttempt)
			}
		}
		h.mu.Unlock()

		if due != nil {
			h.attempt(due)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			h.Stop()
			return ctx.Err()
		case <-h.wake:
		case <-timer.C:
		}
	}
}

// dropKickedLocked removes transports that were kicked while queued.
func (h *ReconnectHandler) dropKickedLocked() {
	for i := 0; i < h.queue.Len(); {
		a := h.queue[i]
		if !a.t.Kicked() {
			i++
			continue
		}
		deheap.Remove(&h.queue, i)
		util.Tracef(util.TraceTransport, "transport %s was kicked while reconnecting", a.t.serial)
		h.mgr.remove(a.t)
		i = 0
	}
}

func (h *ReconnectHandler) attempt(a *reconnectAttempt) {
	t := a.t
	util.LogInfo("attempting to reconnect %s", t.serial)

	switch t.reconnect(t) {
	case ReconnectSuccess:
		util.LogSuccess("reconnection to %s succeeded", t.serial)
		h.mgr.register(t)

	case ReconnectRetry:
		h.mu.Lock()
		if a.attemptsLeft == 0 || h.stopped {
			h.mu.Unlock()
			util.LogWarning("transport %s exhausted reconnect attempts", t.serial)
			h.mgr.remove(t)
			return
		}
		h.throttle.Warnf("reconnection to %s failed, %d attempts left", t.serial, a.attemptsLeft)
		a.deadline = time.Now().Add(h.interval)
		a.attemptsLeft--
		deheap.Push(&h.queue, a)
		h.mu.Unlock()

	case ReconnectAbort:
		util.LogInfo("reconnection to %s aborted", t.serial)
		h.mgr.remove(t)
	}
}

// Stop drains the queue, removing every queued transport, and makes Run
// return.
func (h *ReconnectHandler) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	queue := h.queue
	h.queue = nil
	h.mu.Unlock()

	for _, a := range queue {
		h.mgr.remove(a.t)
	}
	h.signal()
}
