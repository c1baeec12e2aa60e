// Package skiplist implements the ordered set behind the memtable:
// lock-free concurrent reads against a single externally synchronized
// writer. Keys are opaque byte slices ordered by a caller-supplied
// comparison function, and entries are never removed.
package skiplist

import (
	"math/rand"
	"sync/atomic"
)

const (
	maxHeight = 12
	branching = 4
)

type node struct {
	key []byte

	// next[i] is the successor at level i. Stores publish with
	// release semantics and loads observe with acquire semantics, so
	// a reader that sees the pointer also sees the fully built node.
	next []atomic.Pointer[node]
}

func newNode(key []byte, height int) *node {
	return &node{key: key, next: make([]atomic.Pointer[node], height)}
}

// SkipList is a height-balanced probabilistic ordered set. Insert must
// be externally synchronized; Contains and iterators may run
// concurrently with an insert.
type SkipList struct {
	compare func(a, b []byte) int
	head    *node

	// Readers tolerate observing a stale height: levels above the
	// stale value carry either nil (ordered after every key) or a
	// validly published pointer.
	height atomic.Int32

	rnd *rand.Rand
}

// New creates an empty skiplist ordered by compare.
func New(compare func(a, b []byte) int) *SkipList {
	s := &SkipList{
		compare: compare,
		head:    newNode(nil, maxHeight),
		rnd:     rand.New(rand.NewSource(0xdeadbeef)),
	}
	s.height.Store(1)
	return s
}

func (s *SkipList) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.Intn(branching) == 0 {
		h++
	}
	return h
}

// keyIsAfterNode reports whether key sorts after n's key. The head
// node (nil key) sorts before everything.
func (s *SkipList) keyIsAfterNode(key []byte, n *node) bool {
	return n != nil && s.compare(n.key, key) < 0
}

// findGreaterOrEqual returns the first node >= key. When prev is
// non-nil it is filled with the predecessor at every level.
func (s *SkipList) findGreaterOrEqual(key []byte, prev []*node) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if s.keyIsAfterNode(key, next) {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// findLessThan returns the last node with key < key, or the head.
func (s *SkipList) findLessThan(key []byte) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && s.compare(next.key, key) < 0 {
			x = next
			continue
		}
		if level == 0 {
			return x
		}
		level--
	}
}

// findLast returns the last node, or the head if empty.
func (s *SkipList) findLast() *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil {
			x = next
			continue
		}
		if level == 0 {
			return x
		}
		level--
	}
}

// Insert adds key to the set. The caller must not insert a key equal
// to one already present and must serialize all Insert calls.
func (s *SkipList) Insert(key []byte) {
	prev := make([]*node, maxHeight)
	s.findGreaterOrEqual(key, prev)

	height := s.randomHeight()
	if h := int(s.height.Load()); height > h {
		for i := h; i < height; i++ {
			prev[i] = s.head
		}
		s.height.Store(int32(height))
	}

	n := newNode(key, height)
	for i := 0; i < height; i++ {
		// Build the node's own link before publishing it.
		n.next[i].Store(prev[i].next[i].Load())
		prev[i].next[i].Store(n)
	}
}

// Contains reports whether key is in the set.
func (s *SkipList) Contains(key []byte) bool {
	n := s.findGreaterOrEqual(key, nil)
	return n != nil && s.compare(n.key, key) == 0
}

// Iterator walks the skiplist. It requires only that the skiplist
// outlive it; concurrent inserts are visible but never disruptive.
type Iterator struct {
	list *SkipList
	node *node
}

// NewIterator returns an iterator positioned before the first entry.
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{list: s}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.node != nil
}

// Key returns the entry at the current position.
func (it *Iterator) Key() []byte {
	return it.node.key
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	it.node = it.node.next[0].Load()
}

// Prev retreats to the previous entry. Implemented by searching from
// the head rather than storing back links.
func (it *Iterator) Prev() {
	n := it.list.findLessThan(it.node.key)
	if n == it.list.head {
		n = nil
	}
	it.node = n
}

// Seek positions at the first entry >= target.
func (it *Iterator) Seek(target []byte) {
	it.node = it.list.findGreaterOrEqual(target, nil)
}

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	it.node = it.list.head.next[0].Load()
}

// SeekToLast positions at the last entry.
func (it *Iterator) SeekToLast() {
	n := it.list.findLast()
	if n == it.list.head {
		n = nil
	}
	it.node = n
}
