package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEngineMetrics() {
	r.WritesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusokv_writes_total",
			Help: "Total number of committed write batches",
		},
	)

	r.WriteBytesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusokv_write_bytes_total",
			Help: "Total batch bytes appended to the write-ahead log",
		},
	)

	r.WriteStalls = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_write_stalls_total",
			Help: "Write delays and stalls by cause",
		},
		[]string{"cause"},
	)

	r.ReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_reads_total",
			Help: "Total point reads by outcome",
		},
		[]string{"outcome"},
	)

	r.MemtableFlushes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusokv_memtable_flushes_total",
			Help: "Memtables dumped to table files",
		},
	)

	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_compactions_total",
			Help: "Compactions finished by kind",
		},
		[]string{"kind"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusokv_compaction_duration_seconds",
			Help:    "Wall time per compaction",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 60.0},
		},
	)

	r.CompactionBytes = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_compaction_bytes_total",
			Help: "Bytes read and written by compactions",
		},
		[]string{"direction"},
	)

	r.LevelFiles = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusokv_level_files",
			Help: "Table files per level",
		},
		[]string{"level"},
	)

	r.LevelBytes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusokv_level_bytes",
			Help: "Bytes stored per level",
		},
		[]string{"level"},
	)

	r.BlockCacheBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_block_cache_bytes",
			Help: "Approximate memory charged to the block cache",
		},
	)

	r.SnapshotsOpen = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_snapshots_open",
			Help: "Live snapshots",
		},
	)
}
