package lsm

import (
	"fmt"
	"math/rand"

	"github.com/dd0wney/cluso-kv/pkg/iterator"
	"github.com/dd0wney/cluso-kv/pkg/keys"
)

type dbIterDirection int

const (
	dbIterForward dbIterDirection = iota
	dbIterReverse
)

// dbIter turns the merged internal iterator into an iterator over live
// user keys: one entry per key, at the sequence the read pinned, with
// tombstones and shadowed versions hidden.
type dbIter struct {
	db       *DB
	ucmp     keys.Comparator
	iter     iterator.Iterator
	sequence keys.SequenceNumber

	// Moving forward, iter sits on the entry that produced the
	// current key. Moving backward, iter sits just before every entry
	// for the current key, and the key lives in saved state.
	direction  dbIterDirection
	valid      bool
	savedKey   []byte
	savedValue []byte
	err        error

	rng                    *rand.Rand
	bytesUntilReadSampling int
}

func newDBIterator(db *DB, ucmp keys.Comparator, internal iterator.Iterator,
	sequence keys.SequenceNumber, seed uint32) iterator.Iterator {
	it := &dbIter{
		db:        db,
		ucmp:      ucmp,
		iter:      internal,
		sequence:  sequence,
		direction: dbIterForward,
		rng:       rand.New(rand.NewSource(int64(seed))),
	}
	it.bytesUntilReadSampling = it.randomCompactionPeriod()
	return it
}

// randomCompactionPeriod draws how many bytes to read before the next
// sample, averaging readBytesPeriod.
func (it *dbIter) randomCompactionPeriod() int {
	return it.rng.Intn(2 * readBytesPeriod)
}

// parseKey decodes the current internal entry and feeds the read
// sampler.
func (it *dbIter) parseKey() (keys.ParsedInternalKey, bool) {
	k := it.iter.Key()

	bytesRead := len(k) + len(it.iter.Value())
	for it.bytesUntilReadSampling < bytesRead {
		it.bytesUntilReadSampling += it.randomCompactionPeriod()
		it.db.recordReadSample(k)
	}
	it.bytesUntilReadSampling -= bytesRead

	parsed, err := keys.ParseInternalKey(k)
	if err != nil {
		if it.err == nil {
			it.err = fmt.Errorf("%w: bad internal key in iterator: %v", ErrCorruption, err)
		}
		return keys.ParsedInternalKey{}, false
	}
	return parsed, true
}

func (it *dbIter) Valid() bool { return it.valid }

func (it *dbIter) Key() []byte {
	if it.direction == dbIterForward {
		return keys.UserKey(it.iter.Key())
	}
	return it.savedKey
}

func (it *dbIter) Value() []byte {
	if it.direction == dbIterForward {
		return it.iter.Value()
	}
	return it.savedValue
}

func (it *dbIter) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Err()
}

func (it *dbIter) Next() {
	if it.direction == dbIterReverse {
		// iter sits before the current entries; move to the first
		// entry past them.
		it.direction = dbIterForward
		if !it.iter.Valid() {
			it.iter.SeekToFirst()
		} else {
			it.iter.Next()
		}
		if !it.iter.Valid() {
			it.valid = false
			it.savedKey = it.savedKey[:0]
			return
		}
	} else {
		// The current user key must be skipped entirely.
		it.savedKey = append(it.savedKey[:0], keys.UserKey(it.iter.Key())...)
		it.iter.Next()
		if !it.iter.Valid() {
			it.valid = false
			it.savedKey = it.savedKey[:0]
			return
		}
	}
	it.findNextUserEntry(true)
}

// findNextUserEntry advances to the next visible non-deleted entry.
// With skipping set, entries for savedKey are passed over too.
func (it *dbIter) findNextUserEntry(skipping bool) {
	for {
		parsed, ok := it.parseKey()
		if ok && parsed.Sequence <= it.sequence {
			switch parsed.Type {
			case keys.TypeDeletion:
				// Older entries for this key are shadowed by the
				// tombstone.
				it.savedKey = append(it.savedKey[:0], parsed.UserKey...)
				skipping = true
			case keys.TypeValue:
				if skipping && it.ucmp.Compare(parsed.UserKey, it.savedKey) <= 0 {
					break // shadowed
				}
				it.valid = true
				it.savedKey = it.savedKey[:0]
				return
			}
		}
		it.iter.Next()
		if !it.iter.Valid() {
			break
		}
	}
	it.savedKey = it.savedKey[:0]
	it.valid = false
}

func (it *dbIter) Prev() {
	if it.direction == dbIterForward {
		// Back iter up until it is before every entry of the current
		// key; the key itself moves into saved state.
		it.savedKey = append(it.savedKey[:0], keys.UserKey(it.iter.Key())...)
		for {
			it.iter.Prev()
			if !it.iter.Valid() {
				it.valid = false
				it.savedKey = it.savedKey[:0]
				it.savedValue = it.savedValue[:0]
				return
			}
			if it.ucmp.Compare(keys.UserKey(it.iter.Key()), it.savedKey) < 0 {
				break
			}
		}
		it.direction = dbIterReverse
	}
	it.findPrevUserEntry()
}

// findPrevUserEntry backs up to the newest visible non-deleted entry
// of the previous user key.
func (it *dbIter) findPrevUserEntry() {
	valueType := keys.TypeDeletion
	if it.iter.Valid() {
		for {
			parsed, ok := it.parseKey()
			if ok && parsed.Sequence <= it.sequence {
				if valueType != keys.TypeDeletion &&
					it.ucmp.Compare(parsed.UserKey, it.savedKey) < 0 {
					// A live entry for savedKey was already captured.
					break
				}
				valueType = parsed.Type
				if valueType == keys.TypeDeletion {
					it.savedKey = it.savedKey[:0]
					it.savedValue = it.savedValue[:0]
				} else {
					it.savedKey = append(it.savedKey[:0], keys.UserKey(it.iter.Key())...)
					it.savedValue = append(it.savedValue[:0], it.iter.Value()...)
				}
			}
			it.iter.Prev()
			if !it.iter.Valid() {
				break
			}
		}
	}

	if valueType == keys.TypeDeletion {
		it.valid = false
		it.savedKey = it.savedKey[:0]
		it.savedValue = it.savedValue[:0]
		it.direction = dbIterForward
	} else {
		it.valid = true
	}
}

func (it *dbIter) Seek(target []byte) {
	it.direction = dbIterForward
	it.savedKey = keys.MakeInternalKey(target, it.sequence, keys.TypeForSeek)
	it.iter.Seek(it.savedKey)
	if it.iter.Valid() {
		it.findNextUserEntry(false)
	} else {
		it.valid = false
	}
}

func (it *dbIter) SeekToFirst() {
	it.direction = dbIterForward
	it.savedValue = it.savedValue[:0]
	it.iter.SeekToFirst()
	if it.iter.Valid() {
		it.findNextUserEntry(false)
	} else {
		it.valid = false
	}
}

func (it *dbIter) SeekToLast() {
	it.direction = dbIterReverse
	it.savedValue = it.savedValue[:0]
	it.iter.SeekToLast()
	it.savedKey = it.savedKey[:0]
	it.findPrevUserEntry()
}

func (it *dbIter) Close() error { return it.iter.Close() }
