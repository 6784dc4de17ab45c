package observer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments exported at /metrics. They are
// process-global: multiple Observer instances (tests aside) share one
// registration.
type Metrics struct {
	eventsTotal       *prometheus.CounterVec
	improvementsTotal prometheus.Counter
	ticksTotal        prometheus.Counter
	actionsTotal      *prometheus.CounterVec
	pendingGauge      prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

func sharedMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			eventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "contextd_events_total",
				Help: "Observer events recorded, by action.",
			}, []string{"action"}),
			improvementsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "contextd_improvements_total",
				Help: "Improvement journal records written.",
			}),
			ticksTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "contextd_ticks_total",
				Help: "Improvement ticks run.",
			}),
			actionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "contextd_actions_executed_total",
				Help: "Improvement actions executed, by kind.",
			}, []string{"kind"}),
			pendingGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "contextd_pending_actions",
				Help: "Actions currently awaiting approval.",
			}),
		}
	})
	return metrics
}

// CountTick bumps the tick counter.
func (o *Observer) CountTick() {
	o.metrics.ticksTotal.Inc()
}

// CountAction bumps the executed-action counter for a kind.
func (o *Observer) CountAction(kind string) {
	o.metrics.actionsTotal.WithLabelValues(kind).Inc()
}
