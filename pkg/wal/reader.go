package wal

import (
	"fmt"
	"io"

	"github.com/dd0wney/cluso-kv/pkg/checksum"
	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/env"
)

// Reporter receives corruption notices during log replay. Dropped
// bytes are approximate.
type Reporter interface {
	Corruption(bytes int, err error)
}

// Reader replays logical records from a log file, skipping over
// corrupt regions and reporting them.
type Reader struct {
	file     env.SequentialFile
	reporter Reporter
	verify   bool

	// initialOffset is the physical position at which replay starts;
	// records beginning before it are skipped.
	initialOffset int64

	backing []byte
	buf     []byte // unread portion of backing
	eof     bool

	// lastRecordOffset is the physical start of the last record
	// returned by ReadRecord.
	lastRecordOffset int64
	// endOfBufferOffset is the file offset just past buf.
	endOfBufferOffset int64

	resyncing bool
}

// Sentinel results from readPhysicalRecord beyond real record types.
const (
	recordEOF = uint(maxRecordType) + 1 + iota
	recordBadData
)

// NewReader returns a Reader over file. If verify is true, record
// checksums are validated. Replay starts at the first record whose
// physical position is at or after initialOffset.
func NewReader(file env.SequentialFile, reporter Reporter, verify bool, initialOffset int64) *Reader {
	return &Reader{
		file:          file,
		reporter:      reporter,
		verify:        verify,
		initialOffset: initialOffset,
		backing:       make([]byte, BlockSize),
		resyncing:     initialOffset > 0,
	}
}

// LastRecordOffset returns the physical start of the last record
// returned by ReadRecord.
func (r *Reader) LastRecordOffset() int64 { return r.lastRecordOffset }

// ReadRecord returns the next logical record, or false at end of log.
// The returned slice is only valid until the next call.
func (r *Reader) ReadRecord() ([]byte, bool) {
	if r.lastRecordOffset < r.initialOffset {
		if !r.skipToInitialBlock() {
			return nil, false
		}
	}

	var record []byte
	inFragmentedRecord := false
	// Physical position of the logical record being assembled.
	var prospectiveOffset int64

	for {
		fragment, t := r.readPhysicalRecord()
		physicalOffset := r.endOfBufferOffset - int64(len(r.buf)) - HeaderSize - int64(len(fragment))

		if r.resyncing {
			switch t {
			case uint(MiddleType):
				continue
			case uint(LastType):
				r.resyncing = false
				continue
			default:
				r.resyncing = false
			}
		}

		switch t {
		case uint(FullType):
			if inFragmentedRecord {
				r.reportCorruption(len(record), fmt.Errorf("wal: partial record without end"))
			}
			r.lastRecordOffset = physicalOffset
			return fragment, true

		case uint(FirstType):
			if inFragmentedRecord {
				r.reportCorruption(len(record), fmt.Errorf("wal: partial record without end"))
			}
			prospectiveOffset = physicalOffset
			record = append(record[:0], fragment...)
			inFragmentedRecord = true

		case uint(MiddleType):
			if !inFragmentedRecord {
				r.reportCorruption(len(fragment), fmt.Errorf("wal: missing start of fragmented record"))
			} else {
				record = append(record, fragment...)
			}

		case uint(LastType):
			if !inFragmentedRecord {
				r.reportCorruption(len(fragment), fmt.Errorf("wal: missing start of fragmented record"))
			} else {
				record = append(record, fragment...)
				r.lastRecordOffset = prospectiveOffset
				return record, true
			}

		case recordEOF:
			if inFragmentedRecord {
				// The writer died mid-record; drop the prefix silently.
				record = record[:0]
			}
			return nil, false

		case recordBadData:
			if inFragmentedRecord {
				r.reportCorruption(len(record), fmt.Errorf("wal: error in middle of record"))
				inFragmentedRecord = false
				record = record[:0]
			}

		default:
			r.reportCorruption(len(fragment)+len(record), fmt.Errorf("wal: unknown record type %d", t))
			inFragmentedRecord = false
			record = record[:0]
		}
	}
}

// skipToInitialBlock seeks past whole blocks that end before the
// initial offset.
func (r *Reader) skipToInitialBlock() bool {
	offsetInBlock := r.initialOffset % BlockSize
	blockStart := r.initialOffset - offsetInBlock

	// A tail too small for a header belongs to the next block.
	if offsetInBlock > BlockSize-HeaderSize {
		blockStart += BlockSize
	}

	r.endOfBufferOffset = blockStart
	if blockStart > 0 {
		if err := r.file.Skip(blockStart); err != nil {
			r.reportDrop(blockStart, err)
			return false
		}
	}
	return true
}

// readPhysicalRecord returns the next fragment and its type, or one of
// the sentinel results.
func (r *Reader) readPhysicalRecord() ([]byte, uint) {
	for {
		if len(r.buf) < HeaderSize {
			if !r.eof {
				// Skip any block tail and read the next block.
				r.buf = nil
				n, err := io.ReadFull(r.file, r.backing)
				r.buf = r.backing[:n]
				r.endOfBufferOffset += int64(n)
				if err == io.ErrUnexpectedEOF || err == io.EOF {
					r.eof = true
				} else if err != nil {
					r.buf = nil
					r.reportDrop(BlockSize, err)
					r.eof = true
					return nil, recordEOF
				}
				continue
			}
			// A truncated header at EOF means the writer crashed mid
			// write; do not report it.
			r.buf = nil
			return nil, recordEOF
		}

		header := r.buf[:HeaderSize]
		length := int(header[4]) | int(header[5])<<8
		t := header[6]
		if HeaderSize+length > len(r.buf) {
			dropped := len(r.buf)
			r.buf = nil
			if !r.eof {
				r.reportCorruption(dropped, fmt.Errorf("wal: bad record length"))
				return nil, recordBadData
			}
			return nil, recordEOF
		}

		if RecordType(t) == ZeroType && length == 0 {
			// Preallocated file space, not data.
			r.buf = nil
			return nil, recordBadData
		}

		if r.verify {
			expected := checksum.Unmask(coding.DecodeFixed32(header))
			actual := checksum.Value(r.buf[6 : HeaderSize+length])
			if actual != expected {
				dropped := len(r.buf)
				r.buf = nil
				r.reportCorruption(dropped, fmt.Errorf("wal: checksum mismatch"))
				return nil, recordBadData
			}
		}

		fragment := r.buf[HeaderSize : HeaderSize+length]
		r.buf = r.buf[HeaderSize+length:]

		// Skip records that start before the initial offset.
		if r.endOfBufferOffset-int64(len(r.buf))-HeaderSize-int64(length) < r.initialOffset {
			continue
		}

		return fragment, uint(t)
	}
}

func (r *Reader) reportCorruption(bytes int, err error) {
	r.reportDrop(int64(bytes), err)
}

func (r *Reader) reportDrop(bytes int64, err error) {
	if r.reporter != nil && r.endOfBufferOffset-int64(len(r.buf))-bytes >= r.initialOffset {
		r.reporter.Corruption(int(bytes), err)
	}
}
