package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/util"
)

// BlockingAdapter drives a BlockingConnection with one reader goroutine
// and one writer goroutine. The first failure from either side, or Stop,
// is reported to the handler exactly once.
type BlockingAdapter struct {
	name       string
	underlying BlockingConnection

	mu       sync.Mutex
	handler  Handler
	queue    []*protocol.Packet
	started  bool
	stopped  bool
	readDone chan struct{}

	wake      chan struct{}
	stop      chan struct{}
	writeDone chan struct{}

	errOnce sync.Once
}

// NewBlockingAdapter wraps c. name is used in log lines only.
func NewBlockingAdapter(name string, c BlockingConnection) *BlockingAdapter {
	return &BlockingAdapter{
		name:       name,
		underlying: c,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		writeDone:  make(chan struct{}),
	}
}

func (a *BlockingAdapter) SetHandler(h Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Start spawns the reader and writer. Starting twice is an error.
func (a *BlockingAdapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("connection %s: started multiple times", a.name)
	}
	if a.handler == nil {
		return fmt.Errorf("connection %s: no handler", a.name)
	}
	a.started = true
	a.startReaderLocked()
	go a.writeLoop()
	return nil
}

func (a *BlockingAdapter) startReaderLocked() {
	done := make(chan struct{})
	a.readDone = done
	go a.readLoop(done)
}

// readLoop hands every packet to the handler. After an STLS packet it
// exits so DoTLSHandshake can own the stream; the handshake restarts it.
func (a *BlockingAdapter) readLoop(done chan struct{}) {
	defer close(done)
	util.Tracef(util.TraceTransport, "%s: read goroutine spawning", a.name)
	for {
		pkt, err := a.underlying.Read()
		if err != nil {
			util.Tracef(util.TraceTransport, "%s: read failed: %v", a.name, err)
			a.fail("read failed")
			return
		}
		util.Stats.AddRecv(len(pkt.Payload))
		a.handler.HandleRead(pkt)

		if pkt.Command == protocol.CmdSTLS {
			util.LogDebug("%s: received STLS packet, stopping read goroutine", a.name)
			return
		}
	}
}

func (a *BlockingAdapter) writeLoop() {
	defer close(a.writeDone)
	util.Tracef(util.TraceTransport, "%s: write goroutine spawning", a.name)
	for {
		select {
		case <-a.wake:
		case <-a.stop:
			return
		}

		for {
			a.mu.Lock()
			if a.stopped {
				a.mu.Unlock()
				return
			}
			if len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			pkt := a.queue[0]
			a.queue[0] = nil
			a.queue = a.queue[1:]
			a.mu.Unlock()

			if err := a.underlying.Write(pkt); err != nil {
				util.Tracef(util.TraceTransport, "%s: write failed: %v", a.name, err)
				a.fail("write failed")
				return
			}
			util.Stats.AddSent(len(pkt.Payload))
		}
	}
}

// Write queues pkt for the writer goroutine.
func (a *BlockingAdapter) Write(pkt *protocol.Packet) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	a.queue = append(a.queue, pkt)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// DoTLSHandshake waits for the reader to step aside, upgrades the
// underlying stream and restarts the reader whatever the outcome.
func (a *BlockingAdapter) DoTLSHandshake(cfg *tls.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stopped {
		return ErrStopped
	}
	if a.readDone != nil {
		a.mu.Unlock()
		<-a.readDone
		a.mu.Lock()
	}
	err := a.underlying.DoTLSHandshake(cfg)
	if !a.stopped {
		a.startReaderLocked()
	}
	return err
}

// Reset aborts the underlying stream and stops.
func (a *BlockingAdapter) Reset() {
	a.mu.Lock()
	active := a.started && !a.stopped
	a.mu.Unlock()
	if !active {
		return
	}
	util.LogDebug("%s: resetting", a.name)
	if err := a.underlying.Reset(); err != nil {
		util.Tracef(util.TraceTransport, "%s: reset: %v", a.name, err)
	}
	a.Stop()
}

// Stop closes the stream, waits for both goroutines and reports
// "requested stop" unless an error was already reported.
func (a *BlockingAdapter) Stop() {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	readDone := a.readDone
	a.mu.Unlock()

	util.LogDebug("%s: stopping", a.name)
	if err := a.underlying.Close(); err != nil && !errors.Is(err, ErrStopped) {
		util.Tracef(util.TraceTransport, "%s: close: %v", a.name, err)
	}
	close(a.stop)

	if readDone != nil {
		<-readDone
	}
	<-a.writeDone

	util.LogDebug("%s: stopped", a.name)
	a.fail("requested stop")
}

func (a *BlockingAdapter) fail(reason string) {
	a.errOnce.Do(func() { a.handler.HandleError(reason) })
}
