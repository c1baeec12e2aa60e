// Package lsm implements the storage engine: a write-ahead logged
// memtable in front of leveled sorted table files, maintained by
// background compaction.
package lsm

import (
	"github.com/dd0wney/cluso-kv/pkg/cache"
	"github.com/dd0wney/cluso-kv/pkg/compress"
	"github.com/dd0wney/cluso-kv/pkg/env"
	"github.com/dd0wney/cluso-kv/pkg/filter"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
)

const (
	// NumLevels is the depth of the level hierarchy.
	NumLevels = 7

	// l0CompactionTrigger is the level-0 file count that starts a
	// compaction.
	l0CompactionTrigger = 4

	// l0SlowdownWritesTrigger is the level-0 file count at which each
	// writer is delayed once.
	l0SlowdownWritesTrigger = 8

	// l0StopWritesTrigger is the level-0 file count that stalls writes
	// entirely.
	l0StopWritesTrigger = 12

	// maxMemCompactLevel is the deepest level a fresh memtable dump may
	// be placed in when nothing overlaps it.
	maxMemCompactLevel = 2

	// readBytesPeriod paces iterator read sampling.
	readBytesPeriod = 1048576
)

// Options controls how a database is opened and operated.
type Options struct {
	// Comparator orders user keys. It must never change across opens
	// of the same database.
	Comparator keys.Comparator

	// CreateIfMissing opens nonexistent databases by creating them.
	CreateIfMissing bool

	// ErrorIfExists refuses to open a database that already exists.
	ErrorIfExists bool

	// ParanoidChecks makes recovery treat log corruption as fatal
	// instead of truncating at the first bad record.
	ParanoidChecks bool

	// Env supplies files, locks, and time.
	Env env.Env

	// Logger receives engine lifecycle and compaction events.
	Logger logging.Logger

	// WriteBufferSize is the memtable size that triggers a flush.
	WriteBufferSize int

	// MaxOpenFiles bounds the table cache.
	MaxOpenFiles int

	// BlockCache caches uncompressed data blocks. Nil means an 8 MiB
	// cache owned by the database.
	BlockCache *cache.Cache

	// BlockSize is the uncompressed table block threshold.
	BlockSize int

	// BlockRestartInterval is the key count between block restarts.
	BlockRestartInterval int

	// MaxFileSize caps compaction output files.
	MaxFileSize int

	// Compression selects the table block codec.
	Compression compress.Type

	// ReuseLogs appends to the previous log on open instead of
	// starting a new one, avoiding a memtable dump on reopen.
	ReuseLogs bool

	// FilterPolicy adds per-table filters consulted on reads.
	FilterPolicy filter.Policy

	// Metrics, when set, publishes engine counters.
	Metrics *metrics.Registry
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Comparator == nil {
		opts.Comparator = keys.BytewiseComparator
	}
	if opts.Env == nil {
		opts.Env = env.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.WriteBufferSize == 0 {
		opts.WriteBufferSize = 4 * 1024 * 1024
	}
	if opts.MaxOpenFiles == 0 {
		opts.MaxOpenFiles = 1000
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = 4 * 1024
	}
	if opts.BlockRestartInterval == 0 {
		opts.BlockRestartInterval = 16
	}
	if opts.MaxFileSize == 0 {
		opts.MaxFileSize = 2 * 1024 * 1024
	}
	return opts
}

// ReadOptions controls an individual read.
type ReadOptions struct {
	// VerifyChecksums validates every block touched by the read.
	VerifyChecksums bool

	// DontFillCache keeps bulk scans from wiping the block cache.
	DontFillCache bool

	// Snapshot pins the read to an earlier state. Nil reads the
	// current state.
	Snapshot *Snapshot
}

// WriteOptions controls an individual write.
type WriteOptions struct {
	// Sync forces the log to stable storage before the write returns.
	// Unsynced writes can be lost in a machine crash, but never
	// corrupt the database.
	Sync bool
}
