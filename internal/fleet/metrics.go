package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the fleet's Prometheus collectors.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	CommandsTotal     *prometheus.CounterVec
	PairingIssued     prometheus.Counter
	PairingRedeemed   *prometheus.CounterVec
}

// NewMetrics registers the fleet collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "playerhub_connections_active",
			Help: "Number of live player connections held by this instance",
		}),
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playerhub_frames_received_total",
			Help: "Inbound frames by message type (type=invalid for undecodable frames)",
		}, []string{"type"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playerhub_commands_total",
			Help: "Commands dispatched by command type and outcome",
		}, []string{"command", "outcome"}),
		PairingIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "playerhub_pairing_codes_issued_total",
			Help: "Pairing codes issued",
		}),
		PairingRedeemed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playerhub_pairing_redemptions_total",
			Help: "Pairing redemption attempts by outcome",
		}, []string{"outcome"}),
	}
}
