package table

import (
	"github.com/dd0wney/cluso-kv/pkg/cache"
	"github.com/dd0wney/cluso-kv/pkg/compress"
	"github.com/dd0wney/cluso-kv/pkg/filter"
	"github.com/dd0wney/cluso-kv/pkg/keys"
)

// Options configures table building and reading. The comparator and
// filter policy must match between writer and reader.
type Options struct {
	Comparator keys.Comparator

	// BlockSize is the uncompressed size threshold at which a data
	// block is cut.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart
	// points.
	BlockRestartInterval int

	// Compression selects the codec applied to blocks. Blocks that do
	// not shrink enough are stored raw regardless.
	Compression compress.Type

	// FilterPolicy, when set, adds a filter block consulted on point
	// reads.
	FilterPolicy filter.Policy

	// BlockCache, when set, caches uncompressed data blocks across
	// reads.
	BlockCache *cache.Cache

	// VerifyChecksums makes every block read validate its checksum.
	VerifyChecksums bool
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.Comparator == nil {
		o.Comparator = keys.BytewiseComparator
	}
	if o.BlockSize == 0 {
		o.BlockSize = 4 * 1024
	}
	if o.BlockRestartInterval == 0 {
		o.BlockRestartInterval = 16
	}
	return o
}
