package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "excore",
		Subsystem: "monitor",
		Name:      "scans_total",
		Help:      "Completed reconciliation passes.",
	})

	detectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "excore",
		Subsystem: "monitor",
		Name:      "detected_trades_total",
		Help:      "Exchange fills discovered outside the execution path.",
	}, []string{"exchange"})

	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "excore",
		Subsystem: "monitor",
		Name:      "protective_repairs_total",
		Help:      "Protective orders re-created by the guardian.",
	}, []string{"exchange", "kind"})

	brokerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "excore",
		Subsystem: "monitor",
		Name:      "broker_errors_total",
		Help:      "Failed per-broker scan attempts.",
	}, []string{"exchange"})

	degradedBrokers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "excore",
		Subsystem: "monitor",
		Name:      "degraded_brokers",
		Help:      "Brokers currently past the consecutive-error threshold.",
	})
)
