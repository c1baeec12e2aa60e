package table

import (
	"bytes"

	"github.com/dd0wney/cluso-kv/pkg/coding"
)

// blockBuilder assembles one block. Keys share prefixes with their
// predecessor except at restart points, which anchor binary search.
type blockBuilder struct {
	restartInterval int

	buffer   []byte
	restarts []uint32
	counter  int
	finished bool
	lastKey  []byte
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	b := &blockBuilder{restartInterval: restartInterval}
	b.Reset()
	return b
}

func (b *blockBuilder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.finished = false
	b.lastKey = b.lastKey[:0]
}

// CurrentSizeEstimate returns the finished size of the block so far.
func (b *blockBuilder) CurrentSizeEstimate() int {
	return len(b.buffer) + len(b.restarts)*4 + 4
}

func (b *blockBuilder) Empty() bool { return len(b.buffer) == 0 }

// Add appends an entry. Keys must arrive in strictly increasing order.
func (b *blockBuilder) Add(key, value []byte) {
	shared := 0
	if b.counter < b.restartInterval {
		max := len(b.lastKey)
		if len(key) < max {
			max = len(key)
		}
		for shared < max && b.lastKey[shared] == key[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		b.counter = 0
	}
	nonShared := len(key) - shared

	b.buffer = coding.PutUvarint32(b.buffer, uint32(shared))
	b.buffer = coding.PutUvarint32(b.buffer, uint32(nonShared))
	b.buffer = coding.PutUvarint32(b.buffer, uint32(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	b.lastKey = append(b.lastKey[:shared], key[shared:]...)
	b.counter++
}

// Finish appends the restart array and returns the block contents,
// valid until Reset.
func (b *blockBuilder) Finish() []byte {
	for _, r := range b.restarts {
		b.buffer = coding.PutFixed32(b.buffer, r)
	}
	b.buffer = coding.PutFixed32(b.buffer, uint32(len(b.restarts)))
	b.finished = true
	return b.buffer
}

// lastKeyEquals reports whether key matches the most recent Add.
func (b *blockBuilder) lastKeyEquals(key []byte) bool {
	return bytes.Equal(b.lastKey, key)
}
