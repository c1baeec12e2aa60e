package table

import (
	"fmt"

	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/iterator"
	"github.com/dd0wney/cluso-kv/pkg/keys"
)

// block is a parsed, immutable block ready for iteration.
type block struct {
	data          []byte
	restartOffset int
	numRestarts   int
}

func newBlock(data []byte) (*block, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("table: block too small (%d bytes)", len(data))
	}
	numRestarts := int(coding.DecodeFixed32(data[len(data)-4:]))
	maxRestarts := (len(data) - 4) / 4
	if numRestarts > maxRestarts {
		return nil, fmt.Errorf("table: block restart count %d exceeds size", numRestarts)
	}
	return &block{
		data:          data,
		restartOffset: len(data) - 4*(numRestarts+1),
		numRestarts:   numRestarts,
	}, nil
}

func (b *block) size() int { return len(b.data) }

func (b *block) restartPoint(i int) int {
	return int(coding.DecodeFixed32(b.data[b.restartOffset+4*i:]))
}

// newIterator returns an iterator over the block's entries.
func (b *block) newIterator(cmp keys.Comparator) iterator.Iterator {
	if b.numRestarts == 0 {
		return iterator.NewEmpty(nil)
	}
	it := &blockIterator{block: b, cmp: cmp}
	it.markInvalid()
	return it
}

// blockIterator walks block entries, reconstructing each key from its
// shared prefix with the previous entry.
type blockIterator struct {
	block *block
	cmp   keys.Comparator

	current      int // offset of the current entry; restartOffset when invalid
	next         int // offset just past the current entry
	restartIndex int // restart block containing current
	key          []byte
	value        []byte
	err          error
}

func (it *blockIterator) Valid() bool {
	return it.err == nil && it.current < it.block.restartOffset
}

func (it *blockIterator) Err() error { return it.err }

func (it *blockIterator) Key() []byte { return it.key }

func (it *blockIterator) Value() []byte { return it.value }

func (it *blockIterator) Close() error { return it.err }

func (it *blockIterator) markInvalid() {
	it.current = it.block.restartOffset
	it.next = it.block.restartOffset
	it.restartIndex = it.block.numRestarts
	it.value = nil
}

func (it *blockIterator) corrupt() {
	it.err = fmt.Errorf("table: bad entry in block")
	it.markInvalid()
	it.key = it.key[:0]
}

func (it *blockIterator) seekToRestartPoint(index int) {
	it.key = it.key[:0]
	it.restartIndex = index
	it.next = it.block.restartPoint(index)
	it.value = nil
}

// parseNext decodes the entry at next into key/value, returning false
// at block end or corruption.
func (it *blockIterator) parseNext() bool {
	it.current = it.next
	if it.current >= it.block.restartOffset {
		it.markInvalid()
		return false
	}

	p := it.block.data[it.current:it.block.restartOffset]
	before := len(p)
	shared, p, err := coding.GetUvarint32(p)
	if err != nil {
		it.corrupt()
		return false
	}
	nonShared, p, err := coding.GetUvarint32(p)
	if err != nil {
		it.corrupt()
		return false
	}
	valueLen, p, err := coding.GetUvarint32(p)
	if err != nil {
		it.corrupt()
		return false
	}
	if int(shared) > len(it.key) || len(p) < int(nonShared)+int(valueLen) {
		it.corrupt()
		return false
	}
	headerLen := before - len(p)

	it.key = append(it.key[:shared], p[:nonShared]...)
	it.value = p[nonShared : nonShared+valueLen]
	it.next = it.current + headerLen + int(nonShared) + int(valueLen)

	for it.restartIndex+1 < it.block.numRestarts &&
		it.block.restartPoint(it.restartIndex+1) <= it.current {
		it.restartIndex++
	}
	return true
}

// restartKey decodes the full key stored at restart point index.
func (it *blockIterator) restartKey(index int) ([]byte, bool) {
	offset := it.block.restartPoint(index)
	if offset >= it.block.restartOffset {
		return nil, false
	}
	p := it.block.data[offset:it.block.restartOffset]
	shared, p, err := coding.GetUvarint32(p)
	if err != nil || shared != 0 {
		return nil, false
	}
	nonShared, p, err := coding.GetUvarint32(p)
	if err != nil {
		return nil, false
	}
	if _, p, err = coding.GetUvarint32(p); err != nil || len(p) < int(nonShared) {
		return nil, false
	}
	return p[:nonShared], true
}

func (it *blockIterator) SeekToFirst() {
	if it.err != nil {
		return
	}
	it.seekToRestartPoint(0)
	it.parseNext()
}

func (it *blockIterator) SeekToLast() {
	if it.err != nil {
		return
	}
	it.seekToRestartPoint(it.block.numRestarts - 1)
	for it.parseNext() && it.next < it.block.restartOffset {
	}
}

func (it *blockIterator) Seek(target []byte) {
	if it.err != nil {
		return
	}
	// Binary search for the last restart point with a key before
	// target, then scan linearly. A valid current position narrows the
	// search, and monotonically increasing seeks skip it entirely.
	left, right := 0, it.block.numRestarts-1
	currentCmp := 0
	if it.Valid() {
		currentCmp = it.cmp.Compare(it.key, target)
		switch {
		case currentCmp < 0:
			left = it.restartIndex
		case currentCmp > 0:
			right = it.restartIndex
		default:
			return
		}
	}
	for left < right {
		mid := (left + right + 1) / 2
		key, ok := it.restartKey(mid)
		if !ok {
			it.corrupt()
			return
		}
		if it.cmp.Compare(key, target) < 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}
	// The search landed back on the current restart region with the
	// current key before target; keep scanning from here.
	if left != it.restartIndex || currentCmp >= 0 {
		it.seekToRestartPoint(left)
	}
	for it.parseNext() {
		if it.cmp.Compare(it.key, target) >= 0 {
			return
		}
	}
}

func (it *blockIterator) Next() {
	if !it.Valid() {
		return
	}
	it.parseNext()
}

func (it *blockIterator) Prev() {
	if !it.Valid() {
		return
	}
	original := it.current
	for it.block.restartPoint(it.restartIndex) >= original {
		if it.restartIndex == 0 {
			it.markInvalid()
			it.key = it.key[:0]
			return
		}
		it.restartIndex--
	}
	it.seekToRestartPoint(it.restartIndex)
	for it.parseNext() && it.next < original {
	}
}
