package fetchdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricPlanCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fetchdb",
		Subsystem: "plancache",
		Name:      "hits_total",
		Help:      "Plan cache lookups served from cache.",
	})
	metricPlanCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fetchdb",
		Subsystem: "plancache",
		Name:      "misses_total",
		Help:      "Plan cache lookups that compiled a new plan.",
	})
	metricPlanCacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fetchdb",
		Subsystem: "plancache",
		Name:      "evictions_total",
		Help:      "Plans dropped by capacity eviction.",
	})
	metricQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fetchdb",
		Subsystem: "executor",
		Name:      "queries_total",
		Help:      "Graph fetches executed.",
	})
	metricTruncations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fetchdb",
		Subsystem: "executor",
		Name:      "truncations_total",
		Help:      "Includes truncated by an execution-time budget overrun.",
	})
)

// RegisterMetrics registers the package's collectors with reg. Call once
// per process; registering the same collectors twice returns an error
// from prometheus.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		metricPlanCacheHits,
		metricPlanCacheMisses,
		metricPlanCacheEvictions,
		metricQueries,
		metricTruncations,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
