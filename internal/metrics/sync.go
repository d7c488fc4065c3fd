package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type SyncMetrics struct {
	BlocksCommittedTotal *prometheus.CounterVec
	CursorHeight         prometheus.Gauge
	ReorgsTotal          prometheus.Counter
	ReorgDepth           prometheus.Histogram
	SupersededNodesTotal prometheus.Counter
	ReorgState           *prometheus.GaugeVec
	UpsertConflictsTotal prometheus.Counter
	FetchErrorsTotal     *prometheus.CounterVec
	BlockApplyLatencyMS  *prometheus.HistogramVec
}

var (
	syncOnce sync.Once
	syncM    *SyncMetrics
)

func Sync() *SyncMetrics {
	syncOnce.Do(func() {
		r := Registerer()
		syncM = &SyncMetrics{
			BlocksCommittedTotal: promauto.With(r).NewCounterVec(
				prometheus.CounterOpts{
					Name: "chaingraph_blocks_committed_total",
					Help: "blocks committed to the graph store by mode",
				},
				[]string{"mode"},
			),
			CursorHeight: promauto.With(r).NewGauge(prometheus.GaugeOpts{
				Name: "chaingraph_cursor_height",
				Help: "persisted last processed height",
			}),
			ReorgsTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
				Name: "chaingraph_reorgs_total",
				Help: "repaired chain reorganizations",
			}),
			ReorgDepth: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
				Name:    "chaingraph_reorg_depth_blocks",
				Help:    "depth of repaired reorganizations",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 64},
			}),
			SupersededNodesTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
				Name: "chaingraph_superseded_nodes_total",
				Help: "graph nodes marked superseded by reorg repair",
			}),
			ReorgState: promauto.With(r).NewGaugeVec(prometheus.GaugeOpts{
				Name: "chaingraph_reorg_state",
				Help: "current reconciliation state (1 for the active state)",
			}, []string{"state"}),
			UpsertConflictsTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
				Name: "chaingraph_upsert_conflicts_total",
				Help: "natural key conflicts detected during upsert",
			}),
			FetchErrorsTotal: promauto.With(r).NewCounterVec(
				prometheus.CounterOpts{
					Name: "chaingraph_fetch_errors_total",
					Help: "chain node fetch errors by operation",
				},
				[]string{"op"},
			),
			BlockApplyLatencyMS: promauto.With(r).NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chaingraph_block_apply_latency_ms",
					Help:    "fetch+build+upsert latency per block (ms)",
					Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
				},
				[]string{"mode"},
			),
		}
	})
	return syncM
}
