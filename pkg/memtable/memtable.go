// Package memtable implements the in-memory write buffer: a skiplist
// of internal-key-prefixed entries allocated from a single arena.
// One mutable memtable absorbs writes; when full it becomes immutable
// and is flushed to a level-0 table in the background.
package memtable

import (
	"fmt"
	"sync/atomic"

	"github.com/dd0wney/cluso-kv/pkg/arena"
	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/iterator"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/skiplist"
)

// MemTable holds entries encoded as
//
//	varint32(len(ikey)) ‖ ikey ‖ varint32(len(value)) ‖ value
//
// in arena storage, ordered by the internal key comparator. Entries
// are never removed or modified once added.
type MemTable struct {
	cmp   *keys.InternalKeyComparator
	table *skiplist.SkipList
	arena *arena.Arena
	refs  atomic.Int32
}

// New creates an empty memtable with one reference held by the caller.
func New(cmp *keys.InternalKeyComparator) *MemTable {
	m := &MemTable{
		cmp:   cmp,
		arena: arena.New(),
	}
	m.table = skiplist.New(m.compareEntries)
	m.refs.Store(1)
	return m
}

// Ref takes an additional reference.
func (m *MemTable) Ref() {
	m.refs.Add(1)
}

// Unref drops a reference. The arena and skiplist are reclaimed once
// the last reference and every iterator are gone.
func (m *MemTable) Unref() {
	if m.refs.Add(-1) < 0 {
		panic("memtable: refcount below zero")
	}
}

// compareEntries orders two memtable entries by their internal keys.
func (m *MemTable) compareEntries(a, b []byte) int {
	akey, _, _ := coding.GetLengthPrefixedSlice(a)
	bkey, _, _ := coding.GetLengthPrefixedSlice(b)
	return m.cmp.Compare(akey, bkey)
}

// ApproximateMemoryUsage estimates the bytes held by the memtable.
func (m *MemTable) ApproximateMemoryUsage() int64 {
	return m.arena.MemoryUsage()
}

// Add appends an entry for (key, value) at the given sequence number.
// The sequence numbers of successive adds must be distinct, which
// keeps skiplist keys unique.
func (m *MemTable) Add(seq keys.SequenceNumber, t keys.ValueType, key, value []byte) {
	ikeyLen := len(key) + keys.TagSize
	needed := coding.UvarintLen(uint64(ikeyLen)) + ikeyLen +
		coding.UvarintLen(uint64(len(value))) + len(value)

	buf := m.arena.Allocate(needed)
	entry := buf[:0]
	entry = coding.PutUvarint32(entry, uint32(ikeyLen))
	entry = append(entry, key...)
	entry = coding.PutFixed64(entry, keys.PackSequenceAndType(seq, t))
	entry = coding.PutLengthPrefixedSlice(entry, value)
	if len(entry) != needed {
		panic(fmt.Sprintf("memtable: encoded %d bytes, reserved %d", len(entry), needed))
	}
	m.table.Insert(buf)
}

// Get probes for the newest entry visible to lk. It returns:
//
//	value, true, false  when a live value was found
//	nil,   true, true   when the newest visible entry is a tombstone
//	nil,   false, _     when the memtable holds nothing for this key
func (m *MemTable) Get(lk *keys.LookupKey) (value []byte, found bool, deleted bool) {
	it := m.table.NewIterator()
	it.Seek(lk.MemtableKey())
	if !it.Valid() {
		return nil, false, false
	}

	entry := it.Key()
	ikey, rest, err := coding.GetLengthPrefixedSlice(entry)
	if err != nil || len(ikey) < keys.TagSize {
		return nil, false, false
	}
	if m.cmp.UserComparator().Compare(keys.UserKey(ikey), lk.UserKey()) != 0 {
		return nil, false, false
	}

	_, t := keys.UnpackSequenceAndType(keys.Tag(ikey))
	switch t {
	case keys.TypeValue:
		v, _, err := coding.GetLengthPrefixedSlice(rest)
		if err != nil {
			return nil, false, false
		}
		return v, true, false
	case keys.TypeDeletion:
		return nil, true, true
	}
	return nil, false, false
}

// NewIterator returns an iterator over the memtable's internal keys.
// The caller must hold a reference to the memtable while iterating.
func (m *MemTable) NewIterator() iterator.Iterator {
	return &memIterator{iter: m.table.NewIterator()}
}

// memIterator projects skiplist entries to (internal key, value)
// pairs. Seek targets are internal keys and are re-encoded with the
// memtable length prefix.
type memIterator struct {
	iter *skiplist.Iterator
	buf  []byte
}

func (it *memIterator) Valid() bool  { return it.iter.Valid() }
func (it *memIterator) SeekToFirst() { it.iter.SeekToFirst() }
func (it *memIterator) SeekToLast()  { it.iter.SeekToLast() }

func (it *memIterator) Seek(target []byte) {
	it.buf = coding.PutLengthPrefixedSlice(it.buf[:0], target)
	it.iter.Seek(it.buf)
}

func (it *memIterator) Next() { it.iter.Next() }
func (it *memIterator) Prev() { it.iter.Prev() }

func (it *memIterator) Key() []byte {
	ikey, _, _ := coding.GetLengthPrefixedSlice(it.iter.Key())
	return ikey
}

func (it *memIterator) Value() []byte {
	_, rest, _ := coding.GetLengthPrefixedSlice(it.iter.Key())
	v, _, _ := coding.GetLengthPrefixedSlice(rest)
	return v
}

func (it *memIterator) Err() error   { return nil }
func (it *memIterator) Close() error { return nil }
