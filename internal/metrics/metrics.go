// Package metrics exports the server's traffic counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/adbhost/internal/util"
)

// Path is where the endpoint serves the metrics.
const Path = "/metrics"

// Collector reads util.Stats at scrape time.
type Collector struct {
	// States, when set, returns the number of transports per connection
	// state.
	States func() map[string]int

	packets    *prometheus.Desc
	bytes      *prometheus.Desc
	transports *prometheus.Desc
	registered *prometheus.Desc
	sockets    *prometheus.Desc
	opened     *prometheus.Desc
	listeners  *prometheus.Desc
	state      *prometheus.Desc
}

// NewCollector creates a collector with metric names under namespace.
func NewCollector(namespace string) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		packets:    desc("packets_total", "Packets exchanged with devices.", "direction"),
		bytes:      desc("payload_bytes_total", "Payload bytes exchanged with devices.", "direction"),
		transports: desc("transports", "Transports currently registered."),
		registered: desc("transports_registered_total", "Transport registrations since start."),
		sockets:    desc("sockets", "Local sockets currently installed."),
		opened:     desc("sockets_opened_total", "Local sockets created since start."),
		listeners:  desc("listeners", "Installed listeners, the smart socket included."),
		state:      desc("transport_state", "Transports per connection state.", "state"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.packets, c.bytes, c.transports, c.registered, c.sockets, c.opened, c.listeners, c.state} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := util.Stats
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter(c.packets, s.PacketsSent.Load(), "sent")
	counter(c.packets, s.PacketsRecv.Load(), "received")
	counter(c.bytes, s.BytesSent.Load(), "sent")
	counter(c.bytes, s.BytesRecv.Load(), "received")
	gauge(c.transports, s.TransportsOnline.Load())
	counter(c.registered, s.TransportsTotal.Load())
	gauge(c.sockets, s.SocketsOpen.Load())
	counter(c.opened, s.SocketsTotal.Load())
	gauge(c.listeners, s.Listeners.Load())
	if c.States != nil {
		for state, n := range c.States() {
			gauge(c.state, int64(n), state)
		}
	}
}

// NewRegistry returns a registry holding c and the Go runtime collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(prometheus.NewGoCollector())
	return reg
}

// Server serves Path on its own listener.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Listen binds addr. Serve must be called to answer requests.
func Listen(addr string, reg *prometheus.Registry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{ln: ln, srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}}, nil
}

// Addr is the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve answers requests until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	})
	defer stop()
	util.LogInfo("metrics available at http://%s%s", s.ln.Addr(), Path)
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
