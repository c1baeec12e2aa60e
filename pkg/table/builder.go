package table

import (
	"fmt"

	"github.com/dd0wney/cluso-kv/pkg/checksum"
	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/compress"
	"github.com/dd0wney/cluso-kv/pkg/env"
)

// Builder writes a table file from keys added in increasing order.
type Builder struct {
	opts Options
	file env.WritableFile

	dataBlock   *blockBuilder
	indexBlock  *blockBuilder
	filterBlock *filterBlockBuilder

	offset     uint64
	numEntries int
	lastKey    []byte
	closed     bool
	err        error

	// pendingIndexEntry is true when the finished data block still
	// needs its index entry, deferred so the separator can use the
	// first key of the next block.
	pendingIndexEntry bool
	pendingHandle     BlockHandle

	compressed []byte
}

// NewBuilder returns a Builder writing to file with opts.
func NewBuilder(opts Options, file env.WritableFile) *Builder {
	o := opts.withDefaults()
	b := &Builder{
		opts:       o,
		file:       file,
		dataBlock:  newBlockBuilder(o.BlockRestartInterval),
		indexBlock: newBlockBuilder(1),
	}
	if o.FilterPolicy != nil {
		b.filterBlock = newFilterBlockBuilder(o.FilterPolicy)
		b.filterBlock.StartBlock(0)
	}
	return b
}

// Add appends a key/value pair. Keys must arrive in increasing order.
func (b *Builder) Add(key, value []byte) {
	if b.err != nil || b.closed {
		return
	}
	if b.numEntries > 0 && b.opts.Comparator.Compare(key, b.lastKey) <= 0 {
		b.err = fmt.Errorf("table: keys added out of order")
		return
	}

	if b.pendingIndexEntry {
		sep := b.opts.Comparator.FindShortestSeparator(b.lastKey, key)
		var handleEnc []byte
		handleEnc = b.pendingHandle.EncodeTo(handleEnc)
		b.indexBlock.Add(sep, handleEnc)
		b.pendingIndexEntry = false
	}

	if b.filterBlock != nil {
		b.filterBlock.AddKey(key)
	}

	b.lastKey = append(b.lastKey[:0], key...)
	b.numEntries++
	b.dataBlock.Add(key, value)

	if b.dataBlock.CurrentSizeEstimate() >= b.opts.BlockSize {
		b.Flush()
	}
}

// Flush cuts the current data block early. Most callers rely on the
// automatic cut at BlockSize.
func (b *Builder) Flush() {
	if b.err != nil || b.closed || b.dataBlock.Empty() {
		return
	}
	b.pendingHandle = b.writeBlock(b.dataBlock)
	if b.err == nil {
		b.pendingIndexEntry = true
		b.err = b.file.Flush()
	}
	if b.filterBlock != nil {
		b.filterBlock.StartBlock(b.offset)
	}
}

// writeBlock compresses and writes a finished block, returning its
// handle.
func (b *Builder) writeBlock(block *blockBuilder) BlockHandle {
	raw := block.Finish()

	codec := b.opts.Compression
	contents := raw
	if codec != compress.None {
		out, ok := compress.Encode(codec, b.compressed[:0], raw)
		// Incompressible blocks are stored raw to spare readers the
		// decode cost.
		if ok && len(out) < len(raw)-len(raw)/8 {
			b.compressed = out
			contents = out
		} else {
			codec = compress.None
		}
	}
	handle := b.writeRawBlock(contents, codec)
	block.Reset()
	return handle
}

// writeRawBlock writes contents with its codec/checksum trailer.
func (b *Builder) writeRawBlock(contents []byte, codec compress.Type) BlockHandle {
	handle := BlockHandle{Offset: b.offset, Size: uint64(len(contents))}
	if b.err = b.file.Append(contents); b.err != nil {
		return handle
	}

	var trailer [blockTrailerSize]byte
	trailer[0] = byte(codec)
	crc := checksum.Extend(checksum.Value(contents), trailer[:1])
	coding.EncodeFixed32(trailer[1:], checksum.Mask(crc))
	if b.err = b.file.Append(trailer[:]); b.err != nil {
		return handle
	}
	b.offset += uint64(len(contents)) + blockTrailerSize
	return handle
}

// Finish writes the filter, metaindex, and index blocks plus the
// footer, completing the table.
func (b *Builder) Finish() error {
	b.Flush()
	if b.err != nil {
		return b.err
	}
	b.closed = true

	var filterHandle BlockHandle
	haveFilter := false
	if b.filterBlock != nil {
		filterHandle = b.writeRawBlock(b.filterBlock.Finish(), compress.None)
		haveFilter = b.err == nil
	}
	if b.err != nil {
		return b.err
	}

	metaindex := newBlockBuilder(b.opts.BlockRestartInterval)
	if haveFilter {
		var handleEnc []byte
		handleEnc = filterHandle.EncodeTo(handleEnc)
		metaindex.Add([]byte("filter."+b.opts.FilterPolicy.Name()), handleEnc)
	}
	metaindexHandle := b.writeBlock(metaindex)
	if b.err != nil {
		return b.err
	}

	if b.pendingIndexEntry {
		succ := b.opts.Comparator.FindShortSuccessor(b.lastKey)
		var handleEnc []byte
		handleEnc = b.pendingHandle.EncodeTo(handleEnc)
		b.indexBlock.Add(succ, handleEnc)
		b.pendingIndexEntry = false
	}
	indexHandle := b.writeBlock(b.indexBlock)
	if b.err != nil {
		return b.err
	}

	footer := Footer{MetaindexHandle: metaindexHandle, IndexHandle: indexHandle}
	var enc []byte
	if b.err = b.file.Append(footer.EncodeTo(enc)); b.err != nil {
		return b.err
	}
	b.offset += FooterSize
	return nil
}

// Abandon marks the builder unusable without finishing the file, as
// when a compaction is dropped.
func (b *Builder) Abandon() { b.closed = true }

// NumEntries returns the number of added pairs.
func (b *Builder) NumEntries() int { return b.numEntries }

// FileSize returns the bytes written so far.
func (b *Builder) FileSize() uint64 { return b.offset }

// Err returns the first error the builder hit.
func (b *Builder) Err() error { return b.err }
