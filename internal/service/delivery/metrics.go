package delivery

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	enqueueTotal    *prometheus.CounterVec
	attemptTotal    *prometheus.CounterVec
	deferTotal      *prometheus.CounterVec
	deadTotal       *prometheus.CounterVec
	eventTotal      *prometheus.CounterVec
	circuitOpen     *prometheus.GaugeVec
	drainDuration   prometheus.Histogram
	sendLatency     *prometheus.HistogramVec
	openDeadLetters prometheus.Gauge
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		enqueueTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "enqueue_total",
			Help:      "Messages accepted by enqueue, by resulting status.",
		}, []string{"provider", "status"}),
		attemptTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "attempt_total",
			Help:      "Provider send attempts, by result (sent, retry, failed).",
		}, []string{"provider", "result"}),
		deferTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "deferred_total",
			Help:      "Messages requeued without an attempt, by reason.",
		}, []string{"provider", "reason"}),
		deadTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "dead_letter_total",
			Help:      "Messages that entered the dead-letter queue.",
		}, []string{"provider", "reason"}),
		eventTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "provider_event_total",
			Help:      "Inbound provider events, by outcome (applied, deduped, ignored).",
		}, []string{"provider", "type", "outcome"}),
		circuitOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "delivery",
			Name:      "circuit_open",
			Help:      "Whether the provider circuit is open (1/0).",
		}, []string{"provider"}),
		drainDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "delivery",
			Name:      "drain_duration_seconds",
			Help:      "Wall-clock duration of one queue drain pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		sendLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "delivery",
			Name:      "send_latency_seconds",
			Help:      "Provider call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}, []string{"provider", "result"}),
		openDeadLetters: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "delivery",
			Name:      "dead_letter_open",
			Help:      "Open dead-letter records at the last check.",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
