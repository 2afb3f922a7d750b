package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal tracks attempts per outcome kind ("ok" when delivered)
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_attempts_total",
			Help: "Total number of call attempts",
		},
		[]string{"service", "operation", "outcome"},
	)

	// RetriesTotal tracks attempts that were followed by a retry
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retries_total",
			Help: "Total number of retries, by the kind that caused them",
		},
		[]string{"service", "operation", "kind"},
	)

	// CallsTotal tracks terminal call outcomes
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_calls_total",
			Help: "Total number of settled calls",
		},
		[]string{"service", "operation", "result"},
	)

	// AttemptLatency tracks single attempt latency
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_attempt_latency_seconds",
			Help:    "Attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "operation"},
	)

	// AttemptsPerCall tracks how many attempts calls needed
	AttemptsPerCall = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_attempts_per_call",
			Help:    "Number of attempts made per settled call",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"service", "operation"},
	)
)
