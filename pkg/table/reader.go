package table

import (
	"fmt"

	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/env"
	"github.com/dd0wney/cluso-kv/pkg/iterator"
)

// Table is an open, immutable table file.
type Table struct {
	opts   Options
	file   env.RandomAccessFile
	index  *block
	filter *filterBlockReader

	// metaindexOffset approximates the end of the data region.
	metaindexOffset uint64

	// cacheID namespaces this table's blocks within a shared cache.
	cacheID uint64
}

// Open reads the footer and index of a table file of the given size.
// The table keeps file and closes it on Close.
func Open(opts Options, file env.RandomAccessFile, size int64) (*Table, error) {
	o := opts.withDefaults()
	if size < FooterSize {
		return nil, fmt.Errorf("table: file too short (%d bytes) to be a table", size)
	}

	footerBuf := make([]byte, FooterSize)
	if n, err := file.ReadAt(footerBuf, size-FooterSize); n < FooterSize {
		return nil, fmt.Errorf("table: read footer: %w", err)
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	indexData, err := readBlock(file, footer.IndexHandle, o.VerifyChecksums)
	if err != nil {
		return nil, fmt.Errorf("table: read index: %w", err)
	}
	index, err := newBlock(indexData)
	if err != nil {
		return nil, err
	}

	t := &Table{
		opts:            o,
		file:            file,
		index:           index,
		metaindexOffset: footer.MetaindexHandle.Offset,
	}
	if o.BlockCache != nil {
		t.cacheID = o.BlockCache.NewID()
	}
	t.readMeta(footer)
	return t, nil
}

// readMeta loads the filter block if the metaindex names one for our
// policy. Filter trouble degrades to filterless reads.
func (t *Table) readMeta(footer Footer) {
	if t.opts.FilterPolicy == nil {
		return
	}
	metaData, err := readBlock(t.file, footer.MetaindexHandle, t.opts.VerifyChecksums)
	if err != nil {
		return
	}
	meta, err := newBlock(metaData)
	if err != nil {
		return
	}
	it := meta.newIterator(t.opts.Comparator)
	defer it.Close()
	it.Seek([]byte("filter." + t.opts.FilterPolicy.Name()))
	if !it.Valid() || string(it.Key()) != "filter."+t.opts.FilterPolicy.Name() {
		return
	}
	handle, _, err := DecodeBlockHandle(it.Value())
	if err != nil {
		return
	}
	filterData, err := readBlock(t.file, handle, t.opts.VerifyChecksums)
	if err != nil {
		return
	}
	t.filter = newFilterBlockReader(t.opts.FilterPolicy, filterData)
}

// Close releases the underlying file.
func (t *Table) Close() error { return t.file.Close() }

// blockIterFor opens an iterator over the data block named by an index
// entry, consulting the block cache.
func (t *Table) blockIterFor(indexValue []byte) iterator.Iterator {
	handle, _, err := DecodeBlockHandle(indexValue)
	if err != nil {
		return iterator.NewEmpty(err)
	}

	cacheKey := ""
	if t.opts.BlockCache != nil {
		var kb [16]byte
		coding.EncodeFixed64(kb[0:8], t.cacheID)
		coding.EncodeFixed64(kb[8:16], handle.Offset)
		cacheKey = string(kb[:])
		if h := t.opts.BlockCache.Lookup(cacheKey); h != nil {
			blk := h.Value().(*block)
			it := blk.newIterator(t.opts.Comparator)
			cache := t.opts.BlockCache
			return iterator.NewCleanup(it, func() { cache.Release(h) })
		}
	}

	data, err := readBlock(t.file, handle, t.opts.VerifyChecksums)
	if err != nil {
		return iterator.NewEmpty(err)
	}
	blk, err := newBlock(data)
	if err != nil {
		return iterator.NewEmpty(err)
	}

	if t.opts.BlockCache != nil {
		h := t.opts.BlockCache.Insert(cacheKey, blk, blk.size(), nil)
		it := blk.newIterator(t.opts.Comparator)
		cache := t.opts.BlockCache
		return iterator.NewCleanup(it, func() { cache.Release(h) })
	}
	return blk.newIterator(t.opts.Comparator)
}

// NewIterator iterates over every key/value pair in the table.
func (t *Table) NewIterator() iterator.Iterator {
	return newTwoLevelIterator(t.index.newIterator(t.opts.Comparator), t.blockIterFor)
}

// InternalGet seeks key and, if a candidate entry exists, hands it to
// fn. The filter block can rule the key out without touching data.
func (t *Table) InternalGet(key []byte, fn func(k, v []byte)) error {
	idx := t.index.newIterator(t.opts.Comparator)
	defer idx.Close()
	idx.Seek(key)
	if !idx.Valid() {
		return idx.Err()
	}

	handle, _, err := DecodeBlockHandle(idx.Value())
	if err == nil && t.filter != nil && !t.filter.KeyMayMatch(handle.Offset, key) {
		return nil
	}

	blockIter := t.blockIterFor(idx.Value())
	defer blockIter.Close()
	blockIter.Seek(key)
	if blockIter.Valid() {
		fn(blockIter.Key(), blockIter.Value())
	}
	return blockIter.Err()
}

// ApproximateOffsetOf estimates the file offset where key would live.
func (t *Table) ApproximateOffsetOf(key []byte) uint64 {
	idx := t.index.newIterator(t.opts.Comparator)
	defer idx.Close()
	idx.Seek(key)
	if idx.Valid() {
		if handle, _, err := DecodeBlockHandle(idx.Value()); err == nil {
			return handle.Offset
		}
	}
	// Past the last key; the metaindex marks the end of data.
	return t.metaindexOffset
}
