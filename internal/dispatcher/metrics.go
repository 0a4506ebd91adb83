package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hogd"

type Metrics struct {
	messages   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	reconnects prometheus.Counter
	connected  prometheus.Gauge
}

// NewMetrics creates the dispatcher metrics and registers them with reg
// unless it is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "messages_total",
			Help:      "Messages handled, by handler and verdict.",
		}, []string{"handler", "verdict"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "handle_duration_seconds",
			Help:      "Time spent in message handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "reconnects_total",
			Help:      "Connections lost by workers.",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "workers_connected",
			Help:      "Workers currently consuming.",
		}),
	}
}
