// Package wmetrics provides Prometheus metrics for the wren network layers.
//
// All methods on a nil *Metrics are no-ops,
// so components can accept an optional Metrics value.
package wmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors shared by the network layers.
type Metrics struct {
	// Datagram transport.
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	PacketsDropped  *prometheus.CounterVec

	// Reliable query layer.
	Transfers   *prometheus.CounterVec
	SymbolsSent prometheus.Counter

	// Overlay.
	OverlayPeers *prometheus.GaugeVec

	// Query outcomes, by transport and result.
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// New creates the collectors under namespace and registers them with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PacketsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dgram",
			Name:      "packets_sent_total",
			Help:      "Datagrams written to the socket",
		}),
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dgram",
			Name:      "packets_received_total",
			Help:      "Datagrams accepted after authentication",
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dgram",
			Name:      "packets_dropped_total",
			Help:      "Datagrams rejected, by reason",
		}, []string{"reason"}),

		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rq",
			Name:      "transfers_total",
			Help:      "FEC transfers by direction and result",
		}, []string{"direction", "result"}),
		SymbolsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rq",
			Name:      "symbols_sent_total",
			Help:      "FEC symbols sent",
		}),

		OverlayPeers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "peers",
			Help:      "Registered peers per overlay",
		}, []string{"overlay"}),

		QueriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries issued, by transport and result",
		}, []string{"transport", "result"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query round trip time",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"transport"}),
	}
}

func (m *Metrics) PacketSent() {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
}

func (m *Metrics) PacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

func (m *Metrics) PacketDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) TransferFinished(direction, result string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) SymbolSent(n int) {
	if m == nil {
		return
	}
	m.SymbolsSent.Add(float64(n))
}

func (m *Metrics) SetOverlayPeers(overlay string, n int) {
	if m == nil {
		return
	}
	m.OverlayPeers.WithLabelValues(overlay).Set(float64(n))
}

func (m *Metrics) QueryFinished(transport, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(transport, result).Inc()
	m.QueryDuration.WithLabelValues(transport).Observe(d.Seconds())
}
