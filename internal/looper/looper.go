// Package looper runs every protocol-state mutation on one goroutine.
// Worker goroutines hand work to it with Post and never touch transport,
// socket or listener state directly.
package looper

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/adbhost/internal/util"
)

// Looper is a single-goroutine task executor with an unbounded queue.
type Looper struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	gid    atomic.Uint64
	closed atomic.Bool
	checks atomic.Bool
}

// New creates a looper. It does nothing until Run is called. Goroutine
// assertions are on when the fdevent trace tag is enabled.
func New() *Looper {
	l := &Looper{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	l.checks.Store(util.TraceEnabled(util.TraceFdevent))
	return l
}

// SetChecks turns CheckLooper and CheckNotLooper on or off. Both read the
// goroutine id from a stack dump, which is too slow for every packet.
func (l *Looper) SetChecks(on bool) { l.checks.Store(on) }

// Run drains the task queue until ctx is cancelled. It must be called once.
func (l *Looper) Run(ctx context.Context) error {
	l.gid.Store(goroutineID())
	defer func() {
		l.closed.Store(true)
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			tasks := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(tasks) == 0 {
				break
			}
			for _, fn := range tasks {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fn()
			}
		}
	}
}

// Post queues fn to run on the looper. It never blocks.
func (l *Looper) Post(fn func()) {
	if l.closed.Load() {
		util.Tracef(util.TraceFdevent, "dropping task posted after shutdown")
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunSync runs fn on the looper and waits for it. Called from the looper
// itself it runs fn inline. It returns false if the looper stopped first.
func (l *Looper) RunSync(fn func()) bool {
	if l.OnLooper() {
		fn()
		return true
	}
	finished := make(chan struct{})
	l.Post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// AfterFunc posts fn to the looper once d has elapsed.
func (l *Looper) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Done is closed when Run returns.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// OnLooper reports whether the caller is running on the looper goroutine.
func (l *Looper) OnLooper() bool {
	id := l.gid.Load()
	return id != 0 && id == goroutineID()
}

// CheckLooper panics unless called on the looper goroutine. It is a no-op
// while checks are off.
func (l *Looper) CheckLooper() {
	if l.checks.Load() && !l.OnLooper() {
		panic("looper: called off the looper goroutine")
	}
}

// CheckNotLooper panics when called on the looper goroutine. Call sites
// that may block use it.
func (l *Looper) CheckNotLooper() {
	if l.checks.Load() && l.OnLooper() {
		panic("looper: blocking call on the looper goroutine")
	}
}

// goroutineID parses the current goroutine id out of the stack header
// ("goroutine 42 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
