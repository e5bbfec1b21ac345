// Package metrics keeps the process-wide traffic counters. Every counter is
// exported to Prometheus and mirrored in atomics for the periodic log report.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
)

// Namespace prefixes every metric name.
const Namespace = "carrier"

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = newStats(prometheus.NewRegistry())

type stats struct {
	registry *prometheus.Registry

	TotalConns  atomic.Int64 // cumulative forwarded connections since process start
	ClosedConns atomic.Int64 // cumulative closed forwarded connections
	BytesSent   atomic.Int64 // cumulative bytes handed to session links
	BytesRecv   atomic.Int64 // cumulative bytes received from session links

	bytes          *prometheus.CounterVec
	frames         *prometheus.CounterVec
	framesDropped  prometheus.Counter
	channels       *prometheus.CounterVec
	forwardConns   *prometheus.CounterVec
	forwardActive  prometheus.Gauge
	sessions       prometheus.Gauge
	backpressure   prometheus.Counter
	datagrams      *prometheus.CounterVec
	relayPeers     prometheus.Gauge
	controlDropped *prometheus.CounterVec
}

func newStats(reg *prometheus.Registry) *stats {
	s := &stats{
		registry: reg,
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "link", Name: "bytes_total",
			Help: "Bytes carried by session links.",
		}, []string{"direction"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "link", Name: "frames_total",
			Help: "Frames carried by session links.",
		}, []string{"direction", "lane"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "link", Name: "frames_dropped_total",
			Help: "Inbound frames discarded (unknown stream or channel, or not consumed).",
		}),
		channels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "mux", Name: "channels_total",
			Help: "Channel lifecycle events.",
		}, []string{"event"}),
		forwardConns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "portfwd", Name: "connections_total",
			Help: "Forwarded TCP connections.",
		}, []string{"event"}),
		forwardActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "portfwd", Name: "connections_active",
			Help: "Forwarded TCP connections currently relaying.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "session", Name: "active",
			Help: "Sessions with a live link.",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "mux", Name: "backpressure_engaged_total",
			Help: "Writes rejected or delayed because the link was congested.",
		}),
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "control", Name: "datagrams_total",
			Help: "Control datagrams by direction and message type.",
		}, []string{"direction", "type"}),
		relayPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "relay", Name: "peers",
			Help: "Nodes attached to this relay.",
		}),
		controlDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "control", Name: "dropped_total",
			Help: "Control datagrams discarded.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		s.bytes, s.frames, s.framesDropped, s.channels, s.forwardConns, s.forwardActive,
		s.sessions, s.backpressure, s.datagrams, s.relayPeers, s.controlDropped,
	)
	return s
}

func (s *stats) AddSent(lane string, n int) {
	s.BytesSent.Add(int64(n))
	s.bytes.WithLabelValues("sent").Add(float64(n))
	s.frames.WithLabelValues("sent", lane).Inc()
}

func (s *stats) AddRecv(lane string, n int) {
	s.BytesRecv.Add(int64(n))
	s.bytes.WithLabelValues("received").Add(float64(n))
	s.frames.WithLabelValues("received", lane).Inc()
}

func (s *stats) FrameDropped()        { s.framesDropped.Inc() }
func (s *stats) Channel(event string) { s.channels.WithLabelValues(event).Inc() }
func (s *stats) Backpressure()        { s.backpressure.Inc() }
func (s *stats) SessionUp()           { s.sessions.Inc() }
func (s *stats) SessionDown()         { s.sessions.Dec() }
func (s *stats) RelayPeers(n int)     { s.relayPeers.Set(float64(n)) }

func (s *stats) AddConn() {
	s.TotalConns.Add(1)
	s.forwardConns.WithLabelValues("opened").Inc()
	s.forwardActive.Inc()
}

func (s *stats) RemoveConn() {
	s.ClosedConns.Add(1)
	s.forwardConns.WithLabelValues("closed").Inc()
	s.forwardActive.Dec()
}

// ForwardRejected counts forwarded connections the peer refused.
func (s *stats) ForwardRejected() { s.forwardConns.WithLabelValues("rejected").Inc() }

func (s *stats) Datagram(direction, msgType string) {
	s.datagrams.WithLabelValues(direction, msgType).Inc()
}

func (s *stats) ControlDropped(reason string) {
	s.controlDropped.WithLabelValues(reason).Inc()
}

// Registry exposes the registry the counters live in.
func (s *stats) Registry() *prometheus.Registry { return s.registry }

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Stats.registry, promhttp.HandlerOpts{})
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

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
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Fwd: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
	)
}
