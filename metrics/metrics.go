// Package metrics exposes the daemon's ambient Prometheus instrumentation:
// peer counts, bytes and packets moved, and drops. None of this is
// consulted by the protocol engine itself -- it is wired in from outside,
// the way observability is always layered on top of a protocol core
// rather than threaded through it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric this daemon publishes under one
// *prometheus.Registry, instead of relying on the global default
// registry, so tests and multiple daemon instances in one process don't
// collide.
type Registry struct {
	reg *prometheus.Registry

	PeersConnected prometheus.Gauge
	PacketsIn      *prometheus.CounterVec
	PacketsOut     *prometheus.CounterVec
	BytesIn        *prometheus.CounterVec
	BytesOut       *prometheus.CounterVec
	PacketsDropped *prometheus.CounterVec
	CKLatencyMS    prometheus.Histogram
	Reconnects     prometheus.Counter
}

// New constructs and registers every metric, returning the underlying
// *prometheus.Registry for a caller to expose on an HTTP handler.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtpmidid",
			Name:      "peers_connected",
			Help:      "Number of RTP-MIDI sessions currently in the CONNECTED state.",
		}),
		PacketsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpmidid",
			Name:      "packets_in_total",
			Help:      "Packets received, by port (control, midi).",
		}, []string{"port"}),
		PacketsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpmidid",
			Name:      "packets_out_total",
			Help:      "Packets sent, by port (control, midi).",
		}, []string{"port"}),
		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpmidid",
			Name:      "bytes_in_total",
			Help:      "Bytes received, by port (control, midi).",
		}, []string{"port"}),
		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpmidid",
			Name:      "bytes_out_total",
			Help:      "Bytes sent, by port (control, midi).",
		}, []string{"port"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpmidid",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped on ingress, by reason.",
		}, []string{"reason"}),
		CKLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rtpmidid",
			Name:      "ck_latency_milliseconds",
			Help:      "Round-trip latency measured by CK clock-sync exchanges.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 250, 500},
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtpmidid",
			Name:      "client_reconnects_total",
			Help:      "Number of times a client session re-entered PrepareNextDNS after Error.",
		}),
	}

	reg.MustRegister(
		r.PeersConnected,
		r.PacketsIn,
		r.PacketsOut,
		r.BytesIn,
		r.BytesOut,
		r.PacketsDropped,
		r.CKLatencyMS,
		r.Reconnects,
	)
	return r
}

// Registry returns the underlying *prometheus.Registry for exposing via
// promhttp.HandlerFor.
func (r *Registry) Registry() *prometheus.Registry { return r.reg }

// RecordPacketIn accounts for one received packet on port.
func (r *Registry) RecordPacketIn(port string, bytes int) {
	r.PacketsIn.WithLabelValues(port).Inc()
	r.BytesIn.WithLabelValues(port).Add(float64(bytes))
}

// RecordPacketOut accounts for one sent packet on port.
func (r *Registry) RecordPacketOut(port string, bytes int) {
	r.PacketsOut.WithLabelValues(port).Inc()
	r.BytesOut.WithLabelValues(port).Add(float64(bytes))
}

// RecordDrop accounts for one dropped ingress packet.
func (r *Registry) RecordDrop(reason string) {
	r.PacketsDropped.WithLabelValues(reason).Inc()
}
