// Package coding provides the fixed-width and varint integer codecs
// shared by the WAL, SSTable, and manifest encodings. All fixed-width
// values are little-endian.
package coding

import (
	"encoding/binary"
	"fmt"
)

// MaxVarintLen64 is the maximum encoded size of a 64-bit varint.
const MaxVarintLen64 = 10

// PutFixed32 appends a little-endian uint32 to dst.
func PutFixed32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

// PutFixed64 appends a little-endian uint64 to dst.
func PutFixed64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

// EncodeFixed32 writes a little-endian uint32 into buf.
// buf must be at least 4 bytes.
func EncodeFixed32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// EncodeFixed64 writes a little-endian uint64 into buf.
// buf must be at least 8 bytes.
func EncodeFixed64(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf, v)
}

// DecodeFixed32 reads a little-endian uint32 from buf.
func DecodeFixed32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// DecodeFixed64 reads a little-endian uint64 from buf.
func DecodeFixed64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// PutUvarint32 appends a varint-encoded uint32 to dst.
func PutUvarint32(dst []byte, v uint32) []byte {
	return binary.AppendUvarint(dst, uint64(v))
}

// PutUvarint64 appends a varint-encoded uint64 to dst.
func PutUvarint64(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// GetUvarint32 decodes a varint-encoded uint32 from the front of buf.
// It returns the value and the remainder of buf.
func GetUvarint32(buf []byte) (uint32, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 || v > 0xffffffff {
		return 0, nil, fmt.Errorf("coding: bad varint32")
	}
	return uint32(v), buf[n:], nil
}

// GetUvarint64 decodes a varint-encoded uint64 from the front of buf.
// It returns the value and the remainder of buf.
func GetUvarint64(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, fmt.Errorf("coding: bad varint64")
	}
	return v, buf[n:], nil
}

// UvarintLen returns the number of bytes PutUvarint64 uses for v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 128 {
		v >>= 7
		n++
	}
	return n
}

// PutLengthPrefixedSlice appends varint32(len(s)) followed by s to dst.
func PutLengthPrefixedSlice(dst, s []byte) []byte {
	dst = PutUvarint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// GetLengthPrefixedSlice decodes a length-prefixed slice from the front
// of buf. The returned slice aliases buf.
func GetLengthPrefixedSlice(buf []byte) ([]byte, []byte, error) {
	n, rest, err := GetUvarint32(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(n) > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("coding: length prefix %d overruns buffer of %d bytes", n, len(rest))
	}
	return rest[:n], rest[n:], nil
}
