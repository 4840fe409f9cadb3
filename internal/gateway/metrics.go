package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "excore",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Queue requests handled, by action and outcome.",
	}, []string{"action", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "excore",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Time from dequeue to response publish, by action.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action"})
)

func observeRequest(action, outcome string, elapsed time.Duration) {
	requestsTotal.WithLabelValues(action, outcome).Inc()
	requestDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}
