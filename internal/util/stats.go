package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter. It is read by the periodic
// reporter and exported by the metrics package.
var Stats = &stats{}

type stats struct {
	PacketsSent atomic.Int64 // packets written to any transport
	PacketsRecv atomic.Int64 // packets read from any transport
	BytesSent   atomic.Int64 // payload bytes written to transports
	BytesRecv   atomic.Int64 // payload bytes read from transports

	TransportsOnline atomic.Int64 // transports currently registered
	TransportsTotal  atomic.Int64 // cumulative transport registrations
	SocketsOpen      atomic.Int64 // installed local sockets
	SocketsTotal     atomic.Int64 // cumulative local sockets
	Listeners        atomic.Int64 // installed listeners
}

func (s *stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddTransport() {
	s.TransportsOnline.Add(1)
	s.TransportsTotal.Add(1)
}

func (s *stats) RemoveTransport() { s.TransportsOnline.Add(-1) }

func (s *stats) AddSocket() {
	s.SocketsOpen.Add(1)
	s.SocketsTotal.Add(1)
}

func (s *stats) RemoveSocket() { s.SocketsOpen.Add(-1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevSockets int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				sockets := Stats.SocketsTotal.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				newSockets := sockets - prevSockets

				if newSockets > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, Stats.TransportsOnline.Load(), newSockets))
				}

				prevSent = sent
				prevRecv = recv
				prevSockets = sockets

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, devices, newSockets int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Devices: %2d | Streams: %2d↑",
		formatBytes(inS),
		formatBytes(outS),
		devices,
		newSockets,
	)
}
