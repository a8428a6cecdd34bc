// ABOUTME: Prometheus metrics for the control-plane and bridge transports
// ABOUTME: Registered on a private registry so tests can run side by side

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's instrumentation. Each Gateway owns its own
// registry, so parallel instances in tests never collide.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive *prometheus.GaugeVec
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	InvokesTotal      *prometheus.CounterVec
	EventsTotal       prometheus.Counter
	PairingsPending   prometheus.GaugeFunc
}

// NewMetrics creates the metric set. pendingFn reports the current number
// of pending pairing requests.
func NewMetrics(pendingFn func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Currently open control-plane connections by role.",
		}, []string{"role"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Control-plane requests by method and outcome code.",
		}, []string{"method", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Control-plane request handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		InvokesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_node_invokes_total",
			Help: "Node invokes by outcome.",
		}, []string{"outcome"}),
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_node_events_total",
			Help: "Node events broadcast to operators.",
		}),
		PairingsPending: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_pairings_pending",
			Help: "Pairing requests awaiting an operator decision.",
		}, pendingFn),
	}
}
