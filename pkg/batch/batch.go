// Package batch holds updates that apply atomically. A batch is also
// the unit written to the write-ahead log, so its encoding is the log
// payload format.
package batch

import (
	"fmt"

	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/memtable"
)

// headerSize is sequence (8) plus count (4).
const headerSize = 12

// Batch collects puts and deletes. The zero value is not ready; use
// New.
type Batch struct {
	rep []byte
}

// New returns an empty batch.
func New() *Batch {
	b := &Batch{}
	b.Clear()
	return b
}

// Clear resets the batch to empty, keeping its buffer.
func (b *Batch) Clear() {
	if cap(b.rep) < headerSize {
		b.rep = make([]byte, headerSize)
		return
	}
	b.rep = b.rep[:headerSize]
	for i := range b.rep {
		b.rep[i] = 0
	}
}

// Put records a key/value insertion.
func (b *Batch) Put(key, value []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(keys.TypeValue))
	b.rep = coding.PutLengthPrefixedSlice(b.rep, key)
	b.rep = coding.PutLengthPrefixedSlice(b.rep, value)
}

// Delete records a deletion of key.
func (b *Batch) Delete(key []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(keys.TypeDeletion))
	b.rep = coding.PutLengthPrefixedSlice(b.rep, key)
}

// ApproximateSize returns the encoded size of the batch.
func (b *Batch) ApproximateSize() int { return len(b.rep) }

// Count returns the number of updates in the batch.
func (b *Batch) Count() uint32 {
	return coding.DecodeFixed32(b.rep[8:12])
}

func (b *Batch) setCount(n uint32) {
	coding.EncodeFixed32(b.rep[8:12], n)
}

// Sequence returns the sequence number assigned to the first update.
func (b *Batch) Sequence() keys.SequenceNumber {
	return keys.SequenceNumber(coding.DecodeFixed64(b.rep[0:8]))
}

// SetSequence stamps the sequence number of the first update.
func (b *Batch) SetSequence(seq keys.SequenceNumber) {
	coding.EncodeFixed64(b.rep[0:8], uint64(seq))
}

// Contents returns the encoded batch, which is also the log payload.
func (b *Batch) Contents() []byte { return b.rep }

// SetContents replaces the batch with a previously encoded one, as
// read back from the log.
func (b *Batch) SetContents(contents []byte) error {
	if len(contents) < headerSize {
		return fmt.Errorf("batch: contents too small (%d bytes)", len(contents))
	}
	b.rep = append(b.rep[:0], contents...)
	return nil
}

// Append adds all updates in other to b.
func (b *Batch) Append(other *Batch) {
	b.setCount(b.Count() + other.Count())
	b.rep = append(b.rep, other.rep[headerSize:]...)
}

// Handler receives the updates of a batch in order.
type Handler interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// Iterate replays the batch into handler, returning an error if the
// encoding is malformed or the record count disagrees with the header.
func (b *Batch) Iterate(handler Handler) error {
	input := b.rep
	if len(input) < headerSize {
		return fmt.Errorf("batch: contents too small (%d bytes)", len(input))
	}
	input = input[headerSize:]

	var found uint32
	for len(input) > 0 {
		tag := keys.ValueType(input[0])
		input = input[1:]
		switch tag {
		case keys.TypeValue:
			key, rest, err := coding.GetLengthPrefixedSlice(input)
			if err != nil {
				return fmt.Errorf("batch: bad put key: %w", err)
			}
			value, rest, err := coding.GetLengthPrefixedSlice(rest)
			if err != nil {
				return fmt.Errorf("batch: bad put value: %w", err)
			}
			handler.Put(key, value)
			input = rest
		case keys.TypeDeletion:
			key, rest, err := coding.GetLengthPrefixedSlice(input)
			if err != nil {
				return fmt.Errorf("batch: bad delete key: %w", err)
			}
			handler.Delete(key)
			input = rest
		default:
			return fmt.Errorf("batch: unknown record tag %d", tag)
		}
		found++
	}
	if found != b.Count() {
		return fmt.Errorf("batch: count %d does not match records %d", b.Count(), found)
	}
	return nil
}

// memTableInserter applies batch records to a memtable with ascending
// sequence numbers.
type memTableInserter struct {
	seq keys.SequenceNumber
	mem *memtable.MemTable
}

func (i *memTableInserter) Put(key, value []byte) {
	i.mem.Add(i.seq, keys.TypeValue, key, value)
	i.seq++
}

func (i *memTableInserter) Delete(key []byte) {
	i.mem.Add(i.seq, keys.TypeDeletion, key, nil)
	i.seq++
}

// InsertInto applies the batch to mem, one sequence number per update
// starting at the batch's stamped sequence.
func InsertInto(b *Batch, mem *memtable.MemTable) error {
	return b.Iterate(&memTableInserter{seq: b.Sequence(), mem: mem})
}
