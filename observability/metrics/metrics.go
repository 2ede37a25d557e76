// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payflow",
		Subsystem: "workflow",
		Name:      "mutations_total",
		Help:      "Workflow mutations by operation and outcome.",
	}, []string{"operation", "outcome"})

	mutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "payflow",
		Subsystem: "workflow",
		Name:      "mutation_duration_seconds",
		Help:      "Wall-clock duration of workflow mutations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// ObserveMutation records one finished mutation attempt.
func ObserveMutation(operation, outcome string, elapsed time.Duration) {
	mutationsTotal.WithLabelValues(operation, outcome).Inc()
	mutationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
