// Package arena provides a bump allocator for memtable entries. All
// allocations from one arena share a small number of large blocks and
// are released together when the arena is garbage collected with its
// memtable.
package arena

import "sync/atomic"

const (
	blockSize = 4096

	// Per-block bookkeeping charged to the usage estimate, standing in
	// for the allocator's own header overhead.
	blockOverhead = 8
)

// Arena hands out byte slices carved from 4 KiB blocks. A single
// writer allocates; any thread may sample MemoryUsage.
type Arena struct {
	free  []byte // tail of the current block
	usage atomic.Int64
}

// New creates an empty arena.
func New() *Arena {
	return &Arena{}
}

// Allocate returns a zeroed slice of exactly n bytes. Small requests
// are carved from the current block; requests larger than a quarter
// block get a dedicated allocation so the remainder of the current
// block is not wasted.
func (a *Arena) Allocate(n int) []byte {
	if n <= len(a.free) {
		b := a.free[:n:n]
		a.free = a.free[n:]
		return b
	}
	if n > blockSize/4 {
		a.usage.Add(int64(n + blockOverhead))
		return make([]byte, n)
	}
	// Start a new block, abandoning the tail of the old one.
	blk := make([]byte, blockSize)
	a.usage.Add(blockSize + blockOverhead)
	a.free = blk[n:]
	return blk[:n:n]
}

// MemoryUsage returns an estimate of the bytes held by the arena. It
// may be sampled concurrently with allocation.
func (a *Arena) MemoryUsage() int64 {
	return a.usage.Load()
}
