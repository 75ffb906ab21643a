package socketspec

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetAddress(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port int
		ok   bool
	}{
		{"1.2.3.4", "1.2.3.4", 5555, true},
		{"1.2.3.4:7000", "1.2.3.4", 7000, true},
		{"device.local", "device.local", 5555, true},
		{"::1", "::1", 5555, true},
		{"[::1]", "::1", 5555, true},
		{"[::1]:8080", "::1", 8080, true},
		{"[::1", "", 0, false},
		{"[::1]x", "", 0, false},
		{"host:", "", 0, false},
		{"host:0", "", 0, false},
		{"host:65536", "", 0, false},
		{"host:abc", "", 0, false},
		{":5555", "", 0, false},
	}
	for _, tt := range tests {
		host, port, err := ParseNetAddress(tt.in, 5555)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.host, host, tt.in)
		assert.Equal(t, tt.port, port, tt.in)
	}
}

func TestFormatNetAddress(t *testing.T) {
	assert.Equal(t, "1.2.3.4:5555", FormatNetAddress("1.2.3.4", 5555))
	assert.Equal(t, "[::1]:5555", FormatNetAddress("::1", 5555))
}

func TestParseTCP(t *testing.T) {
	host, port, err := ParseTCP("tcp:5037")
	require.NoError(t, err)
	assert.Empty(t, host)
	assert.Equal(t, 5037, port)

	host, port, err = ParseTCP("tcp:example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 5555, port)

	_, _, err = ParseTCP("tcp:70000")
	assert.Error(t, err)
	_, _, err = ParseTCP("local:foo")
	assert.Error(t, err)
}

func TestHostPort(t *testing.T) {
	port, err := HostPort("tcp:1234")
	require.NoError(t, err)
	assert.Equal(t, 1234, port)

	port, err = HostPort("vsock:42")
	require.NoError(t, err)
	assert.Equal(t, 42, port)

	for _, bad := range []string{"vsock:1:2", "vsock:x", "vsock:-1", "local:foo"} {
		_, err := HostPort(bad)
		assert.Error(t, err, bad)
	}
}

func TestSpecClassification(t *testing.T) {
	assert.True(t, IsSocketSpec("tcp:5555"))
	assert.True(t, IsSocketSpec("localabstract:foo"))
	assert.True(t, IsSocketSpec("vsock:3:5555"))
	assert.True(t, IsSocketSpec("acceptfd:3"))
	assert.False(t, IsSocketSpec("jdwp:1234"))
	assert.False(t, IsSocketSpec("shell:ls"))

	assert.True(t, IsLocalSocketSpec("tcp:5555"))
	assert.True(t, IsLocalSocketSpec("tcp:localhost:5555"))
	assert.True(t, IsLocalSocketSpec("localfilesystem:/tmp/x"))
	assert.False(t, IsLocalSocketSpec("tcp:1.2.3.4:5555"))
	assert.False(t, IsLocalSocketSpec("vsock:3:5555"))
}

func TestListenConnectTCP(t *testing.T) {
	s := &Sockets{KeepAlive: time.Second, DialTimeout: time.Second}
	ln, port, err := s.Listen("tcp:0")
	require.NoError(t, err)
	defer ln.Close()
	assert.NotZero(t, port)

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = c.Write([]byte("hi"))
		c.Close()
	}()

	conn, resolved, serial, err := s.Connect(context.Background(), "tcp:localhost:"+strconv.Itoa(port), 0)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, port, resolved)
	assert.Equal(t, "localhost:"+strconv.Itoa(port), serial)

	buf, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}

func TestListenRejectsRemoteHost(t *testing.T) {
	_, _, err := Default.Listen("tcp:example.com:5555")
	assert.Error(t, err)
}

func TestUnknownSpec(t *testing.T) {
	_, _, _, err := Default.Connect(context.Background(), "bogus:1", 0)
	assert.ErrorIs(t, err, ErrUnknownSpec)
	_, _, err = Default.Listen("bogus:1")
	assert.ErrorIs(t, err, ErrUnknownSpec)
	_, _, _, err = Default.Connect(context.Background(), "acceptfd:3", 0)
	assert.Error(t, err)
}

func TestLocalFilesystem(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	path := filepath.Join(t.TempDir(), "sock")
	ln, _, err := Default.Listen("localfilesystem:" + path)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, _, serial, err := Default.Connect(context.Background(), "localfilesystem:"+path, 0)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "localfilesystem:"+path, serial)

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}

	_, _, err = Default.Listen("localreserved:foo")
	assert.Error(t, err)
}

func TestVsockRequiresPort(t *testing.T) {
	_, _, _, err := Default.Connect(context.Background(), "vsock:3", 0)
	assert.Error(t, err)
}
