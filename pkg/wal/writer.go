package wal

import (
	"github.com/dd0wney/cluso-kv/pkg/checksum"
	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/env"
)

// Writer appends records to a log file. It is not safe for concurrent
// use; the engine serializes writers before reaching the log.
type Writer struct {
	dest        env.WritableFile
	blockOffset int

	// typeCRC caches the checksum of each record type byte so per
	// record work only covers the payload.
	typeCRC [maxRecordType + 1]uint32
}

// NewWriter returns a Writer that appends to dest, which must be
// empty.
func NewWriter(dest env.WritableFile) *Writer {
	return newWriter(dest, 0)
}

// NewWriterAtOffset returns a Writer for a dest whose first destLength
// bytes already hold log data, as when a recovered log is reused.
func NewWriterAtOffset(dest env.WritableFile, destLength int64) *Writer {
	return newWriter(dest, int(destLength%BlockSize))
}

func newWriter(dest env.WritableFile, blockOffset int) *Writer {
	w := &Writer{dest: dest, blockOffset: blockOffset}
	for t := range w.typeCRC {
		w.typeCRC[t] = checksum.Value([]byte{byte(t)})
	}
	return w
}

// AddRecord appends a logical record, fragmenting it across blocks as
// needed, and flushes it to the operating system.
func (w *Writer) AddRecord(data []byte) error {
	left := data
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			// Too small for a header; fill with zeros and move on.
			if leftover > 0 {
				if err := w.dest.Append(make([]byte, leftover)); err != nil {
					return err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		fragment := len(left)
		if fragment > avail {
			fragment = avail
		}

		end := fragment == len(left)
		var t RecordType
		switch {
		case begin && end:
			t = FullType
		case begin:
			t = FirstType
		case end:
			t = LastType
		default:
			t = MiddleType
		}

		if err := w.emitPhysicalRecord(t, left[:fragment]); err != nil {
			return err
		}
		left = left[fragment:]
		begin = false
		if len(left) == 0 {
			return nil
		}
	}
}

func (w *Writer) emitPhysicalRecord(t RecordType, data []byte) error {
	var header [HeaderSize]byte
	crc := checksum.Mask(checksum.Extend(w.typeCRC[t], data))
	coding.EncodeFixed32(header[0:4], crc)
	header[4] = byte(len(data))
	header[5] = byte(len(data) >> 8)
	header[6] = byte(t)

	if err := w.dest.Append(header[:]); err != nil {
		return err
	}
	if err := w.dest.Append(data); err != nil {
		return err
	}
	w.blockOffset += HeaderSize + len(data)
	return w.dest.Flush()
}

// Sync forces buffered records to stable storage.
func (w *Writer) Sync() error { return w.dest.Sync() }

// Close closes the underlying file.
func (w *Writer) Close() error { return w.dest.Close() }
