package table

import (
	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/filter"
)

// Filters cover aligned 2 KiB ranges of file offsets so a reader can
// map a block offset straight to its filter.
const filterBaseLg = 11

const filterBase = 1 << filterBaseLg

// filterBlockBuilder accumulates the keys of each filter range and
// emits one meta block holding every filter plus an offset array.
type filterBlockBuilder struct {
	policy filter.Policy

	keys    [][]byte
	result  []byte
	offsets []uint32
}

func newFilterBlockBuilder(policy filter.Policy) *filterBlockBuilder {
	return &filterBlockBuilder{policy: policy}
}

// StartBlock is called with the file offset of each new data block.
func (b *filterBlockBuilder) StartBlock(blockOffset uint64) {
	filterIndex := int(blockOffset / filterBase)
	for filterIndex > len(b.offsets) {
		b.generateFilter()
	}
}

// AddKey records a key for the filter range in progress.
func (b *filterBlockBuilder) AddKey(key []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	b.keys = append(b.keys, k)
}

func (b *filterBlockBuilder) generateFilter() {
	b.offsets = append(b.offsets, uint32(len(b.result)))
	if len(b.keys) == 0 {
		// Empty ranges reuse the previous offset, encoding no filter.
		return
	}
	b.result = b.policy.CreateFilter(b.keys, b.result)
	b.keys = b.keys[:0]
}

// Finish emits the filter block: filters, offset array, array start,
// and the base lg byte.
func (b *filterBlockBuilder) Finish() []byte {
	if len(b.keys) > 0 {
		b.generateFilter()
	}
	arrayStart := uint32(len(b.result))
	for _, off := range b.offsets {
		b.result = coding.PutFixed32(b.result, off)
	}
	b.result = coding.PutFixed32(b.result, arrayStart)
	b.result = append(b.result, filterBaseLg)
	return b.result
}

// filterBlockReader answers KeyMayMatch against a finished filter
// block.
type filterBlockReader struct {
	policy filter.Policy
	data   []byte
	offset []byte // offset array
	num    int
	baseLg uint
}

func newFilterBlockReader(policy filter.Policy, contents []byte) *filterBlockReader {
	r := &filterBlockReader{policy: policy}
	n := len(contents)
	if n < 5 {
		return r
	}
	r.baseLg = uint(contents[n-1])
	lastWord := int(coding.DecodeFixed32(contents[n-5:]))
	if lastWord > n-5 {
		return r
	}
	r.data = contents
	r.offset = contents[lastWord : n-1]
	r.num = (n - 5 - lastWord) / 4
	return r
}

// KeyMayMatch reports whether the filter for the range containing
// blockOffset may include key.
func (r *filterBlockReader) KeyMayMatch(blockOffset uint64, key []byte) bool {
	index := int(blockOffset >> r.baseLg)
	if index >= r.num {
		// Errors are treated as potential matches.
		return true
	}
	start := int(coding.DecodeFixed32(r.offset[index*4:]))
	limit := int(coding.DecodeFixed32(r.offset[(index+1)*4:]))
	if start == limit {
		// Empty filters match nothing.
		return false
	}
	if start > limit || limit > len(r.data)-len(r.offset)-1 {
		return true
	}
	return r.policy.KeyMayMatch(key, r.data[start:limit])
}
