package server

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/1ureka/adbhost/internal/config"
	"github.com/1ureka/adbhost/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Setenv("ANDROID_USER_HOME", t.TempDir())
	cfg := config.Default()
	cfg.ServerSocket = "tcp:0"
	cfg.EmulatorScan = false
	cfg.Mdns = false
	cfg.LogFile = "/tmp/adb-test.log"
	return cfg
}

type running struct {
	srv  *Server
	ack  *bytes.Buffer
	done chan error
}

func start(t *testing.T, cfg config.Config) *running {
	srv, err := New(cfg)
	require.NoError(t, err)

	r := &running{srv: srv, ack: &bytes.Buffer{}, done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { r.done <- srv.Run(ctx, r.ack) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	select {
	case <-srv.Ready():
	case err := <-r.done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	return r
}

func (r *running) query(t *testing.T, service string) (string, error) {
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(r.srv.Port()))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, protocol.WriteRequest(conn, service))
	if err := protocol.ReadStatus(conn); err != nil {
		return "", err
	}
	return protocol.ReadProtocolString(conn)
}

func TestServeAndAck(t *testing.T) {
	r := start(t, testConfig(t))

	assert.Equal(t, "OK\n", r.ack.String())
	assert.NotZero(t, r.srv.Port())

	v, err := r.query(t, "host:version")
	require.NoError(t, err)
	assert.Equal(t, "0029", v)

	devices, err := r.query(t, "host:devices")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestKillStopsServer(t *testing.T) {
	r := start(t, testConfig(t))

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(r.srv.Port()))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, protocol.WriteRequest(conn, "host:kill"))
	require.NoError(t, protocol.ReadStatus(conn))

	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server ignored host:kill")
	}
	r.done <- nil
}

func TestRejectKill(t *testing.T) {
	cfg := testConfig(t)
	cfg.RejectKill = true
	r := start(t, cfg)

	_, err := r.query(t, "host:kill")
	assert.Error(t, err)

	select {
	case <-r.done:
		t.Fatal("server exited despite reject_kill_server")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.BurstMode = true
	cfg.Libusb = true
	srv, err := New(cfg)
	require.NoError(t, err)

	b, err := srv.Status()
	require.NoError(t, err)

	m, err := protocol.NewHostMessage("AdbServerStatus")
	require.NoError(t, err)
	require.NoError(t, proto.Unmarshal(b, m))

	get := func(name string) interface{} {
		fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
		require.NotNil(t, fd, name)
		return m.Get(fd).Interface()
	}
	assert.Equal(t, srv.ID().String(), get("instance_id"))
	assert.Equal(t, Version, get("version"))
	assert.Equal(t, "/tmp/adb-test.log", get("log_absolute_path"))
	assert.Equal(t, true, get("burst_mode"))
	assert.Equal(t, false, get("mdns_enabled"))
	assert.EqualValues(t, usbBackendLibusb, get("usb_backend"))
}

func TestBindConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.ServerSocket = "tcp:" + strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	srv, err := New(cfg)
	require.NoError(t, err)

	err = srv.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smartsocket")
}

func TestLogPath(t *testing.T) {
	cfg := config.Default()
	assert.Contains(t, LogPath(cfg), "adb.")
	cfg.LogFile = "/var/log/adb.log"
	assert.Equal(t, "/var/log/adb.log", LogPath(cfg))
}
