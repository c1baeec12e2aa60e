// Package iterator defines the ordered cursor interface shared by
// memtables, table blocks, and the database, plus the k-way merging
// iterator that stitches them together.
package iterator

// Iterator is an ordered cursor over key-value entries. Iterators
// start out unpositioned; a Seek* call must precede Key, Value, Next,
// or Prev. Key and Value return slices that remain valid only until
// the next movement.
type Iterator interface {
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool

	// SeekToFirst positions at the first entry.
	SeekToFirst()

	// SeekToLast positions at the last entry.
	SeekToLast()

	// Seek positions at the first entry with key >= target.
	Seek(target []byte)

	// Next advances to the next entry. Requires Valid.
	Next()

	// Prev retreats to the previous entry. Requires Valid.
	Prev()

	// Key returns the key at the current position. Requires Valid.
	Key() []byte

	// Value returns the value at the current position. Requires Valid.
	Value() []byte

	// Err returns the first error the iterator encountered, if any.
	Err() error

	// Close releases resources held by the iterator. No other method
	// may be called afterwards.
	Close() error
}

// NewEmpty returns an iterator over nothing that reports err (which
// may be nil).
func NewEmpty(err error) Iterator {
	return &emptyIterator{err: err}
}

type emptyIterator struct {
	err error
}

func (it *emptyIterator) Valid() bool      { return false }
func (it *emptyIterator) SeekToFirst()     {}
func (it *emptyIterator) SeekToLast()      {}
func (it *emptyIterator) Seek([]byte)      {}
func (it *emptyIterator) Next()            {}
func (it *emptyIterator) Prev()            {}
func (it *emptyIterator) Key() []byte      { return nil }
func (it *emptyIterator) Value() []byte    { return nil }
func (it *emptyIterator) Err() error       { return it.err }
func (it *emptyIterator) Close() error     { return nil }

// CleanupIterator wraps an iterator with a function run exactly once
// on Close. Used to release cache handles pinned by block and table
// iterators.
type CleanupIterator struct {
	Iterator
	cleanup func()
	done    bool
}

// NewCleanup wraps it so that cleanup runs when the iterator closes.
func NewCleanup(it Iterator, cleanup func()) *CleanupIterator {
	return &CleanupIterator{Iterator: it, cleanup: cleanup}
}

func (c *CleanupIterator) Close() error {
	err := c.Iterator.Close()
	if !c.done {
		c.done = true
		c.cleanup()
	}
	return err
}
