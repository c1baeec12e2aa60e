package table

import (
	"bytes"

	"github.com/dd0wney/cluso-kv/pkg/iterator"
)

// blockFunction converts an index entry's value into an iterator over
// the block it names.
type blockFunction func(indexValue []byte) iterator.Iterator

// twoLevelIterator walks an index iterator and, for each index entry,
// the data iterator it points at.
type twoLevelIterator struct {
	index iterator.Iterator
	data  iterator.Iterator
	fn    blockFunction

	// dataBlockHandle is the index value data was opened from, so a
	// reposition to the same block skips a reopen.
	dataBlockHandle []byte
	err             error
}

func newTwoLevelIterator(index iterator.Iterator, fn blockFunction) iterator.Iterator {
	return &twoLevelIterator{index: index, fn: fn}
}

func (it *twoLevelIterator) Valid() bool {
	return it.data != nil && it.data.Valid()
}

func (it *twoLevelIterator) Key() []byte   { return it.data.Key() }
func (it *twoLevelIterator) Value() []byte { return it.data.Value() }

func (it *twoLevelIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if err := it.index.Err(); err != nil {
		return err
	}
	if it.data != nil {
		if err := it.data.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (it *twoLevelIterator) Close() error {
	err := it.Err()
	it.setData(nil)
	it.index.Close()
	return err
}

func (it *twoLevelIterator) setData(data iterator.Iterator) {
	if it.data != nil {
		if err := it.data.Err(); err != nil && it.err == nil {
			it.err = err
		}
		it.data.Close()
	}
	it.data = data
}

// initData opens the data iterator for the current index entry.
func (it *twoLevelIterator) initData() {
	if !it.index.Valid() {
		it.setData(nil)
		it.dataBlockHandle = nil
		return
	}
	handle := it.index.Value()
	if it.data != nil && bytes.Equal(handle, it.dataBlockHandle) {
		return
	}
	it.setData(it.fn(handle))
	it.dataBlockHandle = append(it.dataBlockHandle[:0], handle...)
}

func (it *twoLevelIterator) skipEmptyDataBlocksForward() {
	for it.data == nil || !it.data.Valid() {
		if !it.index.Valid() {
			it.setData(nil)
			return
		}
		it.index.Next()
		it.initData()
		if it.data != nil {
			it.data.SeekToFirst()
		}
	}
}

func (it *twoLevelIterator) skipEmptyDataBlocksBackward() {
	for it.data == nil || !it.data.Valid() {
		if !it.index.Valid() {
			it.setData(nil)
			return
		}
		it.index.Prev()
		it.initData()
		if it.data != nil {
			it.data.SeekToLast()
		}
	}
}

func (it *twoLevelIterator) Seek(target []byte) {
	it.index.Seek(target)
	it.initData()
	if it.data != nil {
		it.data.Seek(target)
	}
	it.skipEmptyDataBlocksForward()
}

func (it *twoLevelIterator) SeekToFirst() {
	it.index.SeekToFirst()
	it.initData()
	if it.data != nil {
		it.data.SeekToFirst()
	}
	it.skipEmptyDataBlocksForward()
}

func (it *twoLevelIterator) SeekToLast() {
	it.index.SeekToLast()
	it.initData()
	if it.data != nil {
		it.data.SeekToLast()
	}
	it.skipEmptyDataBlocksBackward()
}

func (it *twoLevelIterator) Next() {
	it.data.Next()
	it.skipEmptyDataBlocksForward()
}

func (it *twoLevelIterator) Prev() {
	it.data.Prev()
	it.skipEmptyDataBlocksBackward()
}
