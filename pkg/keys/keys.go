// Package keys defines the internal key encoding that orders every
// record in the store: a user key followed by an 8-byte tag packing a
// 56-bit sequence number with a value type. Iterators, memtables, and
// tables all sort by this encoding.
package keys

import (
	"fmt"

	"github.com/dd0wney/cluso-kv/pkg/coding"
)

// ValueType tags a record as a live value or a deletion tombstone.
type ValueType uint8

const (
	// TypeDeletion marks a tombstone.
	TypeDeletion ValueType = 0
	// TypeValue marks a live key-value record.
	TypeValue ValueType = 1

	// TypeForSeek is the value type used when constructing probe keys.
	// It must be the largest type byte so a probe for (key, seq) lands
	// on the newest entry with that key and sequence <= seq.
	TypeForSeek = TypeValue
)

// SequenceNumber is a 56-bit monotonic commit timestamp.
type SequenceNumber uint64

// MaxSequenceNumber is the largest representable sequence number,
// leaving the low 8 bits of the tag for the value type.
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// TagSize is the byte length of the packed (sequence, type) suffix.
const TagSize = 8

// PackSequenceAndType combines a sequence number and value type into
// the 8-byte tag value.
func PackSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return uint64(seq)<<8 | uint64(t)
}

// UnpackSequenceAndType splits a tag back into its parts.
func UnpackSequenceAndType(tag uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(tag >> 8), ValueType(tag & 0xff)
}

// ParsedInternalKey is the decoded form of an internal key.
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Type     ValueType
}

// AppendInternalKey appends the encoding of k to dst.
func AppendInternalKey(dst []byte, k ParsedInternalKey) []byte {
	dst = append(dst, k.UserKey...)
	return coding.PutFixed64(dst, PackSequenceAndType(k.Sequence, k.Type))
}

// MakeInternalKey encodes (userKey, seq, t) as a fresh internal key.
func MakeInternalKey(userKey []byte, seq SequenceNumber, t ValueType) []byte {
	return AppendInternalKey(make([]byte, 0, len(userKey)+TagSize), ParsedInternalKey{userKey, seq, t})
}

// ParseInternalKey decodes ikey. It fails on keys shorter than the tag
// or with an unknown value type.
func ParseInternalKey(ikey []byte) (ParsedInternalKey, error) {
	if len(ikey) < TagSize {
		return ParsedInternalKey{}, fmt.Errorf("keys: internal key too short (%d bytes)", len(ikey))
	}
	tag := coding.DecodeFixed64(ikey[len(ikey)-TagSize:])
	seq, t := UnpackSequenceAndType(tag)
	if t > TypeValue {
		return ParsedInternalKey{}, fmt.Errorf("keys: unknown value type %d", t)
	}
	return ParsedInternalKey{UserKey: ikey[:len(ikey)-TagSize], Sequence: seq, Type: t}, nil
}

// UserKey strips the tag from an internal key.
func UserKey(ikey []byte) []byte {
	return ikey[:len(ikey)-TagSize]
}

// Tag returns the packed (sequence, type) suffix of an internal key.
func Tag(ikey []byte) uint64 {
	return coding.DecodeFixed64(ikey[len(ikey)-TagSize:])
}

// InternalKeyComparator orders internal keys by user key ascending
// (under the wrapped user comparator), then sequence descending, then
// type descending. Newer records for the same user key sort first.
type InternalKeyComparator struct {
	user Comparator
}

// NewInternalKeyComparator wraps a user comparator.
func NewInternalKeyComparator(user Comparator) *InternalKeyComparator {
	return &InternalKeyComparator{user: user}
}

// UserComparator returns the wrapped user-key comparator.
func (c *InternalKeyComparator) UserComparator() Comparator {
	return c.user
}

func (c *InternalKeyComparator) Compare(a, b []byte) int {
	if r := c.user.Compare(UserKey(a), UserKey(b)); r != 0 {
		return r
	}
	atag, btag := Tag(a), Tag(b)
	switch {
	case atag > btag:
		return -1
	case atag < btag:
		return 1
	}
	return 0
}

func (c *InternalKeyComparator) Name() string {
	return "clusokv.InternalKeyComparator"
}

func (c *InternalKeyComparator) FindShortestSeparator(start, limit []byte) []byte {
	// Shorten the user-key portion if possible.
	ustart, ulimit := UserKey(start), UserKey(limit)
	tmp := c.user.FindShortestSeparator(ustart, ulimit)
	if len(tmp) < len(ustart) && c.user.Compare(ustart, tmp) < 0 {
		// A shorter physical key became a larger user key. Tag it with
		// the maximum sequence so it still sorts before all records of
		// that user key.
		sep := make([]byte, 0, len(tmp)+TagSize)
		sep = append(sep, tmp...)
		sep = coding.PutFixed64(sep, PackSequenceAndType(MaxSequenceNumber, TypeForSeek))
		return sep
	}
	return start
}

func (c *InternalKeyComparator) FindShortSuccessor(key []byte) []byte {
	ukey := UserKey(key)
	tmp := c.user.FindShortSuccessor(ukey)
	if len(tmp) < len(ukey) && c.user.Compare(ukey, tmp) < 0 {
		succ := make([]byte, 0, len(tmp)+TagSize)
		succ = append(succ, tmp...)
		succ = coding.PutFixed64(succ, PackSequenceAndType(MaxSequenceNumber, TypeForSeek))
		return succ
	}
	return key
}

// LookupKey is a probe key for memtable and table lookups. It carries
// both the memtable encoding (length-prefixed internal key) and the
// plain internal key over one allocation.
type LookupKey struct {
	buf      []byte
	keyStart int
}

// NewLookupKey builds a lookup key for (userKey, seq).
func NewLookupKey(userKey []byte, seq SequenceNumber) *LookupKey {
	needed := len(userKey) + TagSize
	buf := coding.PutUvarint32(make([]byte, 0, needed+5), uint32(needed))
	keyStart := len(buf)
	buf = append(buf, userKey...)
	buf = coding.PutFixed64(buf, PackSequenceAndType(seq, TypeForSeek))
	return &LookupKey{buf: buf, keyStart: keyStart}
}

// MemtableKey returns the length-prefixed encoding used by memtable
// entries.
func (lk *LookupKey) MemtableKey() []byte {
	return lk.buf
}

// InternalKey returns the internal key portion.
func (lk *LookupKey) InternalKey() []byte {
	return lk.buf[lk.keyStart:]
}

// UserKey returns the user key portion.
func (lk *LookupKey) UserKey() []byte {
	return lk.buf[lk.keyStart : len(lk.buf)-TagSize]
}
