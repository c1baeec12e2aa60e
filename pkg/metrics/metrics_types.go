// Package metrics publishes engine counters, gauges, and histograms
// through prometheus. A nil *Registry disables publication, so callers
// record unconditionally.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the storage engine.
type Registry struct {
	// Write path
	WritesTotal     prometheus.Counter
	WriteBytesTotal prometheus.Counter
	WriteStalls     *prometheus.CounterVec

	// Read path
	ReadsTotal *prometheus.CounterVec

	// Background work
	MemtableFlushes    prometheus.Counter
	CompactionsTotal   *prometheus.CounterVec
	CompactionDuration prometheus.Histogram
	CompactionBytes    *prometheus.CounterVec

	// Level shape
	LevelFiles *prometheus.GaugeVec
	LevelBytes *prometheus.GaugeVec

	// Memory
	BlockCacheBytes prometheus.Gauge
	SnapshotsOpen   prometheus.Gauge

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}
	r.initEngineMetrics()
	return r
}

// GetPrometheusRegistry returns the underlying prometheus registry,
// for mounting on an HTTP handler.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
