package metrics

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/adbhost/internal/util"
)

func TestCollectorReadsStats(t *testing.T) {
	c := NewCollector("adb")
	c.States = func() map[string]int { return map[string]int{"device": 2, "offline": 1} }

	before := testutil.CollectAndCount(c)
	util.Stats.Listeners.Add(1)
	defer util.Stats.Listeners.Add(-1)

	expected := `
# HELP adb_listeners Installed listeners, the smart socket included.
# TYPE adb_listeners gauge
adb_listeners ` + strconv.FormatInt(util.Stats.Listeners.Load(), 10) + `
# HELP adb_transport_state Transports per connection state.
# TYPE adb_transport_state gauge
adb_transport_state{state="device"} 2
adb_transport_state{state="offline"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "adb_listeners", "adb_transport_state"))
	assert.Equal(t, before, testutil.CollectAndCount(c))
}

func TestServerServesMetrics(t *testing.T) {
	s, err := Listen("127.0.0.1:0", NewRegistry(NewCollector("adb")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	resp, err := http.Get("http://" + s.Addr().String() + Path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `adb_packets_total{direction="sent"}`)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	assert.NoError(t, <-done)
}
