package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveContainers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "crucible",
		Name:      "containers_active",
		Help:      "Number of sandbox containers currently tracked by the manager.",
	})
	metricCreates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crucible",
		Name:      "container_creates_total",
		Help:      "Sandbox container creations by outcome.",
	}, []string{"outcome"})
	metricDestroys = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crucible",
		Name:      "container_destroys_total",
		Help:      "Sandbox container teardowns.",
	})
	metricPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crucible",
		Name:      "containers_pruned_total",
		Help:      "Orphaned containers removed by prune.",
	})
	metricExecuteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crucible",
		Name:      "execute_duration_seconds",
		Help:      "Latency of tool executions inside sandbox containers.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
