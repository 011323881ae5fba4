package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "broker",
		Name:      "operations_total",
		Help:      "Routed operations by capability, action, and terminal status.",
	}, []string{"capability", "action", "status"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "broker",
		Name:      "operation_duration_seconds",
		Help:      "Wall-clock duration of routed operations.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"capability", "action"})

	scopeViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "broker",
		Name:      "scope_violations_total",
		Help:      "Operations denied by the scope validator.",
	})
)
