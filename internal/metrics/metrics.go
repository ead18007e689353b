// Package metrics holds the Prometheus collectors of one node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is registered on its own registry so several nodes can live
// in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Chat metrics
	MessagesSent     *prometheus.CounterVec // by result: delivered, failed
	MessagesReceived prometheus.Counter
	MessagesDropped  prometheus.Counter
	Retries          prometheus.Counter

	// Session metrics
	ConnectedPeers prometheus.Gauge
	Reconnects     prometheus.Counter
	Renames        prometheus.Counter
	SendDuration   prometheus.Histogram

	// Discovery metrics
	PeersDiscovered     prometheus.Counter
	InvitationsAccepted prometheus.Counter
}

// New builds the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nearchat_messages_sent_total",
				Help: "Local messages whose send finished",
			},
			[]string{"result"},
		),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "nearchat_messages_received_total",
			Help: "Remote messages appended to the history",
		}),
		MessagesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "nearchat_messages_dropped_total",
			Help: "Inbound payloads that failed to decode",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "nearchat_retries_total",
			Help: "Failed messages retried",
		}),
		ConnectedPeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "nearchat_connected_peers",
			Help: "Peers currently connected",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "nearchat_reconnects_total",
			Help: "Discovery restarts after losing a peer",
		}),
		Renames: f.NewCounter(prometheus.CounterOpts{
			Name: "nearchat_renames_total",
			Help: "Display name changes",
		}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nearchat_send_duration_seconds",
			Help:    "Time from submit to all acks",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		PeersDiscovered: f.NewCounter(prometheus.CounterOpts{
			Name: "nearchat_peers_discovered_total",
			Help: "Peers reported by discovery",
		}),
		InvitationsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "nearchat_invitations_accepted_total",
			Help: "Inbound invitations accepted",
		}),
	}
}
