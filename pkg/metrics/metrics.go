package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Publisher holds the collectors describing the health of the HTTP
// collector session. A nil *Publisher is valid and records nothing.
type Publisher struct {
	results             *prometheus.CounterVec
	connects            prometheus.Counter
	consecutiveTimeouts prometheus.Gauge
	lastSuccess         prometheus.Gauge
	duration            prometheus.Histogram
}

func NewPublisher(reg prometheus.Registerer) *Publisher {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watermon_publish_results_total",
		Help: "Publish cycles by outcome (success, accepted, server_error, timeout, connect_failed, cooldown).",
	}, []string{"result"})
	connects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watermon_collector_connects_total",
		Help: "Successful collector session establishments.",
	})
	consecutive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watermon_consecutive_timeouts",
		Help: "Consecutive timeouts counted toward the cool-down threshold.",
	})
	lastSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watermon_last_success_timestamp_seconds",
		Help: "Unix time of the last 200 response from the collector.",
	})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "watermon_publish_duration_seconds",
		Help:    "Wall time of one publish cycle, send to classified response.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	reg.MustRegister(results, connects, consecutive, lastSuccess, duration)

	return &Publisher{
		results:             results,
		connects:            connects,
		consecutiveTimeouts: consecutive,
		lastSuccess:         lastSuccess,
		duration:            duration,
	}
}

func (m *Publisher) Result(result string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(result).Inc()
}

func (m *Publisher) Connect() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

func (m *Publisher) SetConsecutiveTimeouts(n int) {
	if m == nil {
		return
	}
	m.consecutiveTimeouts.Set(float64(n))
}

func (m *Publisher) SetLastSuccess(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.Set(float64(t.Unix()))
}

func (m *Publisher) ObserveDuration(seconds float64) {
	if m == nil {
		return
	}
	m.duration.Observe(seconds)
}
