// Package table implements the sorted table file format: key-ordered
// prefix-compressed blocks, an index block locating them, optional
// filter blocks, and a fixed footer that bootstraps reads.
package table

import (
	"fmt"

	"github.com/dd0wney/cluso-kv/pkg/checksum"
	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/compress"
	"github.com/dd0wney/cluso-kv/pkg/env"
)

// MagicNumber marks the end of every table file.
const MagicNumber = 0xdb4775248b80fb57

const (
	// FooterSize is two maximal block handles plus the magic number.
	FooterSize = 2*maxBlockHandleSize + 8

	// blockTrailerSize is the codec byte plus the block checksum.
	blockTrailerSize = 5

	maxBlockHandleSize = 10 + 10
)

// BlockHandle locates a block within the file.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// EncodeTo appends the handle's varint encoding to dst.
func (h BlockHandle) EncodeTo(dst []byte) []byte {
	dst = coding.PutUvarint64(dst, h.Offset)
	return coding.PutUvarint64(dst, h.Size)
}

// DecodeBlockHandle parses a handle from input, returning the rest.
func DecodeBlockHandle(input []byte) (BlockHandle, []byte, error) {
	offset, rest, err := coding.GetUvarint64(input)
	if err != nil {
		return BlockHandle{}, nil, fmt.Errorf("table: bad block handle offset: %w", err)
	}
	size, rest, err := coding.GetUvarint64(rest)
	if err != nil {
		return BlockHandle{}, nil, fmt.Errorf("table: bad block handle size: %w", err)
	}
	return BlockHandle{Offset: offset, Size: size}, rest, nil
}

// Footer is the fixed tail of a table file.
type Footer struct {
	MetaindexHandle BlockHandle
	IndexHandle     BlockHandle
}

// EncodeTo appends the fixed-size footer encoding to dst.
func (f Footer) EncodeTo(dst []byte) []byte {
	base := len(dst)
	dst = f.MetaindexHandle.EncodeTo(dst)
	dst = f.IndexHandle.EncodeTo(dst)
	// Pad the handles out to their maximal encoding.
	for len(dst)-base < 2*maxBlockHandleSize {
		dst = append(dst, 0)
	}
	dst = coding.PutFixed32(dst, uint32(MagicNumber&0xffffffff))
	dst = coding.PutFixed32(dst, uint32(MagicNumber>>32))
	return dst
}

// DecodeFooter parses a footer from exactly FooterSize bytes.
func DecodeFooter(input []byte) (Footer, error) {
	if len(input) != FooterSize {
		return Footer{}, fmt.Errorf("table: footer is %d bytes, want %d", len(input), FooterSize)
	}
	magicLo := coding.DecodeFixed32(input[FooterSize-8:])
	magicHi := coding.DecodeFixed32(input[FooterSize-4:])
	magic := uint64(magicHi)<<32 | uint64(magicLo)
	if magic != MagicNumber {
		return Footer{}, fmt.Errorf("table: bad magic number %#x, not a table file", magic)
	}

	var f Footer
	var err error
	var rest []byte
	f.MetaindexHandle, rest, err = DecodeBlockHandle(input)
	if err != nil {
		return Footer{}, err
	}
	f.IndexHandle, _, err = DecodeBlockHandle(rest)
	if err != nil {
		return Footer{}, err
	}
	return f, nil
}

// readBlock fetches and verifies the block at handle, decompressing it
// as its trailer dictates.
func readBlock(file env.RandomAccessFile, handle BlockHandle, verify bool) ([]byte, error) {
	n := int(handle.Size)
	buf := make([]byte, n+blockTrailerSize)
	read, err := file.ReadAt(buf, int64(handle.Offset))
	if read < len(buf) {
		return nil, fmt.Errorf("table: truncated block read (%d of %d bytes): %w", read, len(buf), err)
	}

	data := buf[:n]
	trailer := buf[n:]
	if verify {
		want := checksum.Unmask(coding.DecodeFixed32(trailer[1:]))
		got := checksum.Value(buf[:n+1])
		if got != want {
			return nil, fmt.Errorf("table: block checksum mismatch at offset %d", handle.Offset)
		}
	}

	codec := compress.Type(trailer[0])
	out, err := compress.Decode(codec, data)
	if err != nil {
		return nil, fmt.Errorf("table: block at offset %d: %w", handle.Offset, err)
	}
	return out, nil
}
