package lsm

import (
	"github.com/dd0wney/cluso-kv/pkg/cache"
	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/env"
	"github.com/dd0wney/cluso-kv/pkg/iterator"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/table"
)

// tableCache keeps open table files, bounded by MaxOpenFiles. Entries
// are keyed by file number; evicted entries close their file.
type tableCache struct {
	env       env.Env
	dbname    string
	tableOpts table.Options
	cache     *cache.Cache
}

func newTableCache(dbname string, opts *Options, icmp *keys.InternalKeyComparator, entries int) *tableCache {
	return &tableCache{
		env:    opts.Env,
		dbname: dbname,
		tableOpts: table.Options{
			Comparator:           icmp,
			BlockSize:            opts.BlockSize,
			BlockRestartInterval: opts.BlockRestartInterval,
			Compression:          opts.Compression,
			FilterPolicy:         newInternalFilterPolicy(opts.FilterPolicy),
			BlockCache:           opts.BlockCache,
			VerifyChecksums:      opts.ParanoidChecks,
		},
		cache: cache.New(entries),
	}
}

func tableCacheKey(fileNumber uint64) string {
	var buf [8]byte
	coding.EncodeFixed64(buf[:], fileNumber)
	return string(buf[:])
}

// findTable returns a cache handle whose value is an open *table.Table.
// The caller must release the handle when done.
func (tc *tableCache) findTable(fileNumber, fileSize uint64) (*cache.Handle, error) {
	key := tableCacheKey(fileNumber)
	if h := tc.cache.Lookup(key); h != nil {
		return h, nil
	}

	name := TableFileName(tc.dbname, fileNumber)
	file, err := tc.env.NewRandomAccessFile(name)
	if err != nil {
		// Databases written before the rename still carry .sst files.
		old := SSTTableFileName(tc.dbname, fileNumber)
		var err2 error
		if file, err2 = tc.env.NewRandomAccessFile(old); err2 != nil {
			return nil, err
		}
	}

	t, err := table.Open(tc.tableOpts, file, int64(fileSize))
	if err != nil {
		file.Close()
		return nil, err
	}
	h := tc.cache.Insert(key, t, 1, func(key string, value interface{}) {
		value.(*table.Table).Close()
	})
	return h, nil
}

// NewIterator opens an iterator over the given table file. If tablep
// is non-nil it receives the open table, valid as long as the iterator
// is.
func (tc *tableCache) NewIterator(fileNumber, fileSize uint64, tablep **table.Table) iterator.Iterator {
	if tablep != nil {
		*tablep = nil
	}
	h, err := tc.findTable(fileNumber, fileSize)
	if err != nil {
		return iterator.NewEmpty(err)
	}
	t := h.Value().(*table.Table)
	it := t.NewIterator()
	if tablep != nil {
		*tablep = t
	}
	return iterator.NewCleanup(it, func() { tc.cache.Release(h) })
}

// Get looks key up in the given table file, calling fn on the entry
// found at or after it, if any.
func (tc *tableCache) Get(fileNumber, fileSize uint64, key []byte, fn func(k, v []byte)) error {
	h, err := tc.findTable(fileNumber, fileSize)
	if err != nil {
		return err
	}
	defer tc.cache.Release(h)
	return h.Value().(*table.Table).InternalGet(key, fn)
}

// ApproximateOffsetOf estimates where key would live in the file.
func (tc *tableCache) ApproximateOffsetOf(fileNumber, fileSize uint64, key []byte) uint64 {
	h, err := tc.findTable(fileNumber, fileSize)
	if err != nil {
		return 0
	}
	defer tc.cache.Release(h)
	return h.Value().(*table.Table).ApproximateOffsetOf(key)
}

// Evict drops the cached table for a file that is being deleted.
func (tc *tableCache) Evict(fileNumber uint64) {
	tc.cache.Erase(tableCacheKey(fileNumber))
}
