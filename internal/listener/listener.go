// Package listener keeps the list of bound local sockets: the server's
// smart socket and the forward listeners installed by "adb forward".
//
// Each listener owns an accept goroutine. Accepted connections are posted
// to the looper, which pairs them with a smart socket or opens a stream to
// the listener's transport.
package listener

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/adbhost/internal/looper"
	"github.com/1ureka/adbhost/internal/socket"
	"github.com/1ureka/adbhost/internal/socketspec"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/util"
)

// Smartsocket is the connect-to value of the server socket.
const Smartsocket = "*smartsocket*"

// Flags modify Install.
type Flags int

const (
	// NoRebind refuses to replace an existing listener.
	NoRebind Flags = 1 << iota
	// Disabled binds the socket but does not accept until EnableAll.
	Disabled
)

// Install and Remove errors. Their text is the FAIL reason sent to the
// client.
var (
	ErrCannotRebind = errors.New("cannot rebind existing socket")
	ErrInternal     = errors.New("internal error")
	ErrCannotBind   = errors.New("cannot bind listener")
	ErrNotFound     = errors.New("not found")
)

type listener struct {
	localName string
	connectTo string
	transport *transport.Transport

	ln         net.Listener
	enable     chan struct{}
	enableOnce sync.Once
	removeHook func()
	closed     bool
}

func (l *listener) enableAccept() {
	l.enableOnce.Do(func() { close(l.enable) })
}

// List is the process-wide listener list.
type List struct {
	looper  *looper.Looper
	reg     *socket.Registry
	sockets *socketspec.Sockets

	mu        sync.Mutex
	listeners []*listener
}

// New creates an empty list. Accepted connections are installed in reg.
func New(reg *socket.Registry, sockets *socketspec.Sockets) *List {
	if sockets == nil {
		sockets = socketspec.Default
	}
	return &List{looper: reg.Looper(), reg: reg, sockets: sockets}
}

// Install binds localName and forwards every accepted connection to
// connectTo on t, or to a smart socket when connectTo is Smartsocket. An
// existing forward for localName is repointed unless NoRebind is set.
// resolvedPort is the bound port when localName was "tcp:0".
//
// Installs that name a transport, and every rebind, must run on the looper.
func (l *List) Install(localName, connectTo string, t *transport.Transport, flags Flags) (resolvedPort int, err error) {
	l.mu.Lock()
	for _, ls := range l.listeners {
		if ls.localName != localName {
			continue
		}
		// A smart socket cannot be repurposed.
		if ls.connectTo == Smartsocket {
			l.mu.Unlock()
			return 0, ErrInternal
		}
		if flags&NoRebind != 0 {
			l.mu.Unlock()
			return 0, ErrCannotRebind
		}
		ls.connectTo = connectTo
		if ls.transport != t {
			if ls.removeHook != nil {
				ls.removeHook()
				ls.removeHook = nil
			}
			ls.transport = t
			if t != nil {
				ls.removeHook = t.AddDisconnect(l.transportGone)
			}
		}
		l.mu.Unlock()
		util.Tracef(util.TraceServices, "listener %s rebound to %s", localName, connectTo)
		return 0, nil
	}
	l.mu.Unlock()

	ln, port, err := l.sockets.Listen(localName)
	if err != nil {
		util.LogError("cannot bind '%s': %v", localName, err)
		return 0, fmt.Errorf("%w: %v", ErrCannotBind, err)
	}
	if !strings.HasPrefix(localName, "tcp:") {
		port = 0
	} else {
		// Listed under the port actually bound, so "tcp:0" can be removed.
		localName = fmt.Sprintf("tcp:%d", port)
	}

	ls := &listener{
		localName: localName,
		connectTo: connectTo,
		transport: t,
		ln:        ln,
		enable:    make(chan struct{}),
	}
	if t != nil {
		ls.removeHook = t.AddDisconnect(l.transportGone)
	}

	l.mu.Lock()
	l.listeners = append(l.listeners, ls)
	l.mu.Unlock()
	util.Stats.Listeners.Add(1)

	if flags&Disabled == 0 {
		ls.enableAccept()
	}
	go l.acceptLoop(ls)

	util.Tracef(util.TraceServices, "listener %s -> %s installed", localName, connectTo)
	return port, nil
}

// Remove closes the forward listener bound to localName. Looper only.
func (l *List) Remove(localName string) error {
	l.mu.Lock()
	for i, ls := range l.listeners {
		if ls.localName == localName && ls.connectTo != Smartsocket {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			l.mu.Unlock()
			l.close(ls)
			return nil
		}
	}
	l.mu.Unlock()
	return fmt.Errorf("listener '%s' %w", localName, ErrNotFound)
}

// RemoveAll closes every forward listener. Smart sockets are kept. Looper
// only.
func (l *List) RemoveAll() {
	l.removeWhere(func(ls *listener) bool { return ls.connectTo != Smartsocket })
}

// CloseSmartSockets closes the server sockets so no new client can
// connect during shutdown.
func (l *List) CloseSmartSockets() {
	l.removeWhere(func(ls *listener) bool { return ls.connectTo == Smartsocket })
}

// EnableAll starts accepting on listeners installed with Disabled.
func (l *List) EnableAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ls := range l.listeners {
		ls.enableAccept()
	}
}

// Format renders the forward list as "<serial> <local> <remote>\n" lines,
// the list-forward reply.
func (l *List) Format() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, ls := range l.listeners {
		if ls.connectTo == Smartsocket {
			continue
		}
		serial := "*"
		if ls.transport != nil {
			serial = ls.transport.Serial()
		}
		fmt.Fprintf(&b, "%s %s %s\n", serial, ls.localName, ls.connectTo)
	}
	return b.String()
}

// Count returns the number of installed listeners, smart sockets
// included.
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}

// transportGone drops the listeners of a transport that went away.
func (l *List) transportGone(t *transport.Transport) {
	util.Tracef(util.TraceServices, "transport %s gone, removing its listeners", t.Serial())
	l.mu.Lock()
	var gone []*listener
	kept := l.listeners[:0]
	for _, ls := range l.listeners {
		if ls.transport == t {
			// The hook already ran and was unregistered by the transport.
			ls.removeHook = nil
			gone = append(gone, ls)
		} else {
			kept = append(kept, ls)
		}
	}
	l.listeners = kept
	l.mu.Unlock()
	for _, ls := range gone {
		l.close(ls)
	}
}

func (l *List) removeWhere(match func(*listener) bool) {
	l.mu.Lock()
	var gone []*listener
	kept := l.listeners[:0]
	for _, ls := range l.listeners {
		if match(ls) {
			gone = append(gone, ls)
		} else {
			kept = append(kept, ls)
		}
	}
	l.listeners = kept
	l.mu.Unlock()
	for _, ls := range gone {
		l.close(ls)
	}
}

func (l *List) close(ls *listener) {
	l.mu.Lock()
	ls.closed = true
	hook := ls.removeHook
	ls.removeHook = nil
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
	// Unblock an accept loop still waiting to be enabled.
	ls.enableAccept()
	ls.ln.Close()
	util.Stats.Listeners.Add(-1)
	util.Tracef(util.TraceServices, "listener %s removed", ls.localName)
}

// Backoff between failed accepts, so running out of descriptors does not
// take the listener down.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// acceptLoop runs until the listener is closed.
func (l *List) acceptLoop(ls *listener) {
	<-ls.enable
	var delay time.Duration
	for {
		conn, err := ls.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := ls.closed
			l.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			util.LogWarning("accept on %s failed: %v; retrying in %v", ls.localName, err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		util.Tracef(util.TraceSockets, "%s: accepted connection from %s", ls.localName, conn.RemoteAddr())
		l.looper.Post(func() { l.accepted(ls, conn) })
	}
}

func (l *List) accepted(ls *listener, conn net.Conn) {
	l.mu.Lock()
	closed, connectTo, t := ls.closed, ls.connectTo, ls.transport
	l.mu.Unlock()
	if closed {
		conn.Close()
		return
	}

	s := l.reg.NewLocalSocket(conn)
	if connectTo == Smartsocket {
		l.reg.ConnectToSmartSocket(s)
		return
	}
	if t == nil {
		util.LogError("%s: forward listener has no transport", ls.localName)
		s.Close()
		return
	}
	s.SetTransport(t)
	l.reg.ConnectToRemote(s, connectTo)
}
