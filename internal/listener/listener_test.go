package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/adbhost/internal/looper"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/socket"
	"github.com/1ureka/adbhost/internal/transport"
	"github.com/1ureka/adbhost/internal/transport/transporttest"
	"github.com/1ureka/adbhost/internal/util"
)

type env struct {
	looper *looper.Looper
	list   *List
	mgr    *transport.Manager
	tr     *transport.Transport
	dev    *transporttest.Device
}

func newEnv(t *testing.T) *env {
	t.Helper()
	l := looper.New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)

	reg := socket.NewRegistry(l)
	mgr := transport.NewManager(l, nil, transport.Options{})
	mgr.SetStreamHandler(reg)

	e := &env{looper: l, list: New(reg, nil), mgr: mgr, dev: transporttest.NewDevice()}
	e.tr = mgr.RegisterUSBTransport(e.dev, "device1", "usb:1", true)
	e.dev.Connect(t, "device::")
	require.Eventually(t, func() bool { return e.tr.ConnectionState() == transport.StateDevice },
		2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		l.RunSync(func() {
			e.list.RemoveAll()
			e.list.CloseSmartSockets()
		})
	})
	return e
}

// install runs Install on the looper.
func (e *env) install(local, remote string, tr *transport.Transport, flags Flags) (port int, err error) {
	e.looper.RunSync(func() { port, err = e.list.Install(local, remote, tr, flags) })
	return port, err
}

func TestForwardStream(t *testing.T) {
	e := newEnv(t)
	port, err := e.install("tcp:0", "shell:echo ping", e.tr, 0)
	require.NoError(t, err)
	require.NotZero(t, port)

	c, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer c.Close()

	open := e.dev.Next(t)
	require.Equal(t, protocol.CmdOPEN, open.Command)
	assert.Equal(t, uint32(0), open.Arg1)
	assert.Equal(t, "shell:echo ping\x00", string(open.Payload))
	local := open.Arg0

	const remote = 31
	e.dev.Send(protocol.CmdOKAY, remote, local, nil)

	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	wrte := e.dev.Next(t)
	assert.Equal(t, protocol.CmdWRTE, wrte.Command)
	assert.Equal(t, local, wrte.Arg0)
	assert.Equal(t, uint32(remote), wrte.Arg1)
	assert.Equal(t, "hello", string(wrte.Payload))

	// Without delayed ack the client is not read again until the device
	// acknowledges the write, so its EOF waits for the OKAY.
	require.NoError(t, c.Close())
	e.dev.Quiet(t, 100*time.Millisecond)
	e.dev.Send(protocol.CmdOKAY, remote, local, nil)

	clse := e.dev.Next(t)
	assert.Equal(t, protocol.CmdCLSE, clse.Command)
	assert.Equal(t, local, clse.Arg0)
	assert.Equal(t, uint32(remote), clse.Arg1)
}

func TestNoRebindConflict(t *testing.T) {
	e := newEnv(t)
	port, err := e.install("tcp:0", "jdwp:1234", e.tr, NoRebind)
	require.NoError(t, err)
	local := fmt.Sprintf("tcp:%d", port)

	_, err = e.install(local, "jdwp:5678", e.tr, NoRebind)
	assert.ErrorIs(t, err, ErrCannotRebind)
	assert.Equal(t, fmt.Sprintf("device1 %s jdwp:1234\n", local), e.list.Format())

	// Without the flag the forward is repointed and keeps its port.
	rebound, err := e.install(local, "jdwp:5678", e.tr, 0)
	require.NoError(t, err)
	assert.Zero(t, rebound)
	assert.Equal(t, fmt.Sprintf("device1 %s jdwp:5678\n", local), e.list.Format())
	assert.Equal(t, 1, e.list.Count())
}

func TestSmartSocketIsNotRebindable(t *testing.T) {
	e := newEnv(t)
	port, err := e.list.Install("tcp:0", Smartsocket, nil, 0)
	require.NoError(t, err)
	local := fmt.Sprintf("tcp:%d", port)

	_, err = e.install(local, "tcp:80", e.tr, 0)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, "internal error", err.Error())

	var rmErr error
	e.looper.RunSync(func() { rmErr = e.list.Remove(local) })
	assert.ErrorIs(t, rmErr, ErrNotFound)
	assert.Equal(t, fmt.Sprintf("listener '%s' not found", local), rmErr.Error())

	// Smart sockets are not part of the forward list.
	assert.Empty(t, e.list.Format())
}

func TestRemoveAllKeepsSmartSockets(t *testing.T) {
	e := newEnv(t)
	_, err := e.list.Install("tcp:0", Smartsocket, nil, 0)
	require.NoError(t, err)
	_, err = e.install("tcp:0", "tcp:8000", e.tr, 0)
	require.NoError(t, err)
	_, err = e.install("tcp:0", "tcp:8001", e.tr, 0)
	require.NoError(t, err)
	require.Equal(t, 3, e.list.Count())

	e.looper.RunSync(e.list.RemoveAll)
	assert.Equal(t, 1, e.list.Count())
	assert.Empty(t, e.list.Format())

	e.list.CloseSmartSockets()
	assert.Zero(t, e.list.Count())
}

func TestRemoveClosesSocket(t *testing.T) {
	e := newEnv(t)
	port, err := e.install("tcp:0", "tcp:8000", e.tr, 0)
	require.NoError(t, err)

	var rmErr error
	e.looper.RunSync(func() { rmErr = e.list.Remove(fmt.Sprintf("tcp:%d", port)) })
	require.NoError(t, rmErr)

	_, err = net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	assert.Error(t, err)
}

func TestCannotBind(t *testing.T) {
	e := newEnv(t)
	_, err := e.install("tcp:example.com:5000", "tcp:1", e.tr, 0)
	assert.ErrorIs(t, err, ErrCannotBind)
	assert.Contains(t, err.Error(), "cannot bind listener: ")

	_, err = e.install("bogus:1", "tcp:1", e.tr, 0)
	assert.ErrorIs(t, err, ErrCannotBind)
	assert.Zero(t, e.list.Count())
}

func TestTransportGoneRemovesForwards(t *testing.T) {
	e := newEnv(t)
	_, err := e.list.Install("tcp:0", Smartsocket, nil, 0)
	require.NoError(t, err)
	_, err = e.install("tcp:0", "tcp:8000", e.tr, 0)
	require.NoError(t, err)

	e.tr.Kick()
	require.Eventually(t, func() bool { return e.list.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, e.list.Format())
}

func TestDisabledAcceptsAfterEnable(t *testing.T) {
	e := newEnv(t)
	port, err := e.list.Install("tcp:0", Smartsocket, nil, Disabled)
	require.NoError(t, err)

	c, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write(protocol.FormatProtocolString("shell:ls"))
	require.NoError(t, err)

	// Nothing answers until the server enables its sockets.
	require.NoError(t, c.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = c.Read(make([]byte, 1))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())

	e.list.EnableAll()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	err = protocol.ReadStatus(c)
	assert.ErrorIs(t, err, protocol.ErrFail)
	assert.EqualError(t, err, "FAIL: device offline (no transport)")
}

// flakyListener fails its first Accept calls the way a process out of
// descriptors does.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyListener) Accept() (net.Conn, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	return f.Listener.Accept()
}

func TestAcceptErrorsAreRetried(t *testing.T) {
	e := newEnv(t)
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	flaky := &flakyListener{Listener: inner}
	flaky.failures.Store(3)

	ls := &listener{
		localName: "tcp:flaky",
		connectTo: "shell:flaky",
		transport: e.tr,
		ln:        flaky,
		enable:    make(chan struct{}),
	}
	ls.enableAccept()
	e.list.mu.Lock()
	e.list.listeners = append(e.list.listeners, ls)
	e.list.mu.Unlock()
	util.Stats.Listeners.Add(1)
	go e.list.acceptLoop(ls)

	c, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	open := e.dev.Next(t)
	require.Equal(t, protocol.CmdOPEN, open.Command)
	assert.Equal(t, "shell:flaky\x00", string(open.Payload))
	assert.GreaterOrEqual(t, flaky.calls.Load(), int32(4))
}
