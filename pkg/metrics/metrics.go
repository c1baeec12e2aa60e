package metrics

import "time"

// RecordWrite records one committed write batch of the given size.
func (r *Registry) RecordWrite(batchBytes int) {
	if r == nil {
		return
	}
	r.WritesTotal.Inc()
	r.WriteBytesTotal.Add(float64(batchBytes))
}

// RecordRead records one point read; outcome is "hit" or "miss".
func (r *Registry) RecordRead(outcome string) {
	if r == nil {
		return
	}
	r.ReadsTotal.WithLabelValues(outcome).Inc()
}

// RecordStall records one write delay or stall.
func (r *Registry) RecordStall(cause string) {
	if r == nil {
		return
	}
	r.WriteStalls.WithLabelValues(cause).Inc()
}

// RecordFlush records one memtable dump.
func (r *Registry) RecordFlush() {
	if r == nil {
		return
	}
	r.MemtableFlushes.Inc()
}

// RecordCompaction records one finished compaction.
func (r *Registry) RecordCompaction(kind string, duration time.Duration, bytesRead, bytesWritten int64) {
	if r == nil {
		return
	}
	r.CompactionsTotal.WithLabelValues(kind).Inc()
	r.CompactionDuration.Observe(duration.Seconds())
	r.CompactionBytes.WithLabelValues("read").Add(float64(bytesRead))
	r.CompactionBytes.WithLabelValues("written").Add(float64(bytesWritten))
}

// UpdateLevels publishes the current level shape. files and bytes are
// indexed by level.
func (r *Registry) UpdateLevels(files []int, bytes []int64) {
	if r == nil {
		return
	}
	for level := range files {
		label := levelLabel(level)
		r.LevelFiles.WithLabelValues(label).Set(float64(files[level]))
		r.LevelBytes.WithLabelValues(label).Set(float64(bytes[level]))
	}
}

// UpdateSnapshots publishes the live snapshot count.
func (r *Registry) UpdateSnapshots(n int) {
	if r == nil {
		return
	}
	r.SnapshotsOpen.Set(float64(n))
}

// UpdateBlockCache publishes the block cache charge.
func (r *Registry) UpdateBlockCache(bytes int64) {
	if r == nil {
		return
	}
	r.BlockCacheBytes.Set(float64(bytes))
}

func levelLabel(level int) string {
	return string([]byte{'0' + byte(level)})
}
