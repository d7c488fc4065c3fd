package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type RecoveryMetrics struct {
	CacheHitsTotal     *prometheus.CounterVec
	CacheMissesTotal   prometheus.Counter
	InvocationsTotal   *prometheus.CounterVec
	FailuresTotal      *prometheus.CounterVec
	DecompileLatencyMS prometheus.Histogram
}

var (
	recoveryOnce sync.Once
	recoveryM    *RecoveryMetrics
)

func Recovery() *RecoveryMetrics {
	recoveryOnce.Do(func() {
		r := Registerer()
		recoveryM = &RecoveryMetrics{
			CacheHitsTotal: promauto.With(r).NewCounterVec(
				prometheus.CounterOpts{
					Name: "chaingraph_skeleton_cache_hits_total",
					Help: "skeleton cache hits by tier (memory, shared, store)",
				},
				[]string{"tier"},
			),
			CacheMissesTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
				Name: "chaingraph_skeleton_cache_misses_total",
				Help: "skeletons that required a decompiler run",
			}),
			InvocationsTotal: promauto.With(r).NewCounterVec(
				prometheus.CounterOpts{
					Name: "chaingraph_decompiler_invocations_total",
					Help: "external decompiler invocations by decompiler",
				},
				[]string{"decompiler"},
			),
			FailuresTotal: promauto.With(r).NewCounterVec(
				prometheus.CounterOpts{
					Name: "chaingraph_decompiler_failures_total",
					Help: "decompiler failures by reason",
				},
				[]string{"reason"},
			),
			DecompileLatencyMS: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
				Name:    "chaingraph_decompile_latency_ms",
				Help:    "decompiler latency (ms)",
				Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			}),
		}
	})
	return recoveryM
}
