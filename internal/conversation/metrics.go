package conversation

import (
	"net/http"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outcomeAnswered = "answered"
	outcomeRefused  = "refused"
	outcomeFailure  = "failure"
)

// Metrics holds the Prometheus collectors of a conversation. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	Speaking         prometheus.Gauge
	PlaybacksTotal   prometheus.Counter
}

// NewMetrics creates a Metrics instance with its own registry. The registry also carries the
// Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ganapathi"
	}

	registry := prometheus.NewRegistry()

	exchangesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Total number of completed exchanges with the assistant service",
		},
		[]string{"flow", "outcome"},
	)

	exchangeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time spent waiting for the assistant service",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"flow"},
	)

	speaking := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "speaking",
		Help:      "1 while synthesized speech is playing",
	})

	playbacksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playbacks_total",
		Help:      "Total number of started speech playbacks",
	})

	registry.MustRegister(
		exchangesTotal,
		exchangeDuration,
		speaking,
		playbacksTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:         registry,
		ExchangesTotal:   exchangesTotal,
		ExchangeDuration: exchangeDuration,
		Speaking:         speaking,
		PlaybacksTotal:   playbacksTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(flow, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExchangesTotal.WithLabelValues(flow, outcome).Inc()
	m.ExchangeDuration.WithLabelValues(flow).Observe(d.Seconds())
}

func (m *Metrics) speaking(v bool) {
	if m == nil {
		return
	}
	if v {
		m.Speaking.Set(1)
		m.PlaybacksTotal.Inc()
		return
	}
	m.Speaking.Set(0)
}

func outcomeOf(reply models.Reply) string {
	if reply.Response != nil && reply.Response.Refusal {
		return outcomeRefused
	}
	return outcomeAnswered
}
