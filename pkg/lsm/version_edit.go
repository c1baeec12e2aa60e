package lsm

import (
	"fmt"

	"github.com/dd0wney/cluso-kv/pkg/coding"
	"github.com/dd0wney/cluso-kv/pkg/keys"
)

// Manifest record tags. Values are persisted; never reuse one.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	// 8 was used for large value refs long ago and stays reserved.
	tagPrevLogNumber = 9
)

// FileMetaData describes one table file in a version.
type FileMetaData struct {
	refs int

	// allowedSeeks counts down to a seek-triggered compaction.
	allowedSeeks int

	Number   uint64
	FileSize uint64

	// Smallest and Largest are internal keys bounding the file.
	Smallest []byte
	Largest  []byte
}

// VersionEdit is one manifest record: the delta between two versions.
type VersionEdit struct {
	comparatorName    string
	hasComparator     bool
	logNumber         uint64
	hasLogNumber      bool
	prevLogNumber     uint64
	hasPrevLogNumber  bool
	nextFileNumber    uint64
	hasNextFileNumber bool
	lastSequence      keys.SequenceNumber
	hasLastSequence   bool

	compactPointers []levelKey
	deletedFiles    []levelFileNumber
	newFiles        []levelFile
}

type levelKey struct {
	level int
	key   []byte
}

type levelFileNumber struct {
	level  int
	number uint64
}

type levelFile struct {
	level int
	meta  FileMetaData
}

func (e *VersionEdit) Clear() { *e = VersionEdit{} }

func (e *VersionEdit) SetComparatorName(name string) {
	e.hasComparator = true
	e.comparatorName = name
}

func (e *VersionEdit) SetLogNumber(n uint64) {
	e.hasLogNumber = true
	e.logNumber = n
}

func (e *VersionEdit) SetPrevLogNumber(n uint64) {
	e.hasPrevLogNumber = true
	e.prevLogNumber = n
}

func (e *VersionEdit) SetNextFile(n uint64) {
	e.hasNextFileNumber = true
	e.nextFileNumber = n
}

func (e *VersionEdit) SetLastSequence(s keys.SequenceNumber) {
	e.hasLastSequence = true
	e.lastSequence = s
}

func (e *VersionEdit) SetCompactPointer(level int, key []byte) {
	e.compactPointers = append(e.compactPointers, levelKey{level, append([]byte(nil), key...)})
}

// AddFile records a table file joining level.
func (e *VersionEdit) AddFile(level int, number, fileSize uint64, smallest, largest []byte) {
	e.newFiles = append(e.newFiles, levelFile{level, FileMetaData{
		Number:   number,
		FileSize: fileSize,
		Smallest: append([]byte(nil), smallest...),
		Largest:  append([]byte(nil), largest...),
	}})
}

// RemoveFile records a table file leaving level.
func (e *VersionEdit) RemoveFile(level int, number uint64) {
	e.deletedFiles = append(e.deletedFiles, levelFileNumber{level, number})
}

// EncodeTo appends the manifest record encoding to dst.
func (e *VersionEdit) EncodeTo(dst []byte) []byte {
	if e.hasComparator {
		dst = coding.PutUvarint32(dst, tagComparator)
		dst = coding.PutLengthPrefixedSlice(dst, []byte(e.comparatorName))
	}
	if e.hasLogNumber {
		dst = coding.PutUvarint32(dst, tagLogNumber)
		dst = coding.PutUvarint64(dst, e.logNumber)
	}
	if e.hasPrevLogNumber {
		dst = coding.PutUvarint32(dst, tagPrevLogNumber)
		dst = coding.PutUvarint64(dst, e.prevLogNumber)
	}
	if e.hasNextFileNumber {
		dst = coding.PutUvarint32(dst, tagNextFileNumber)
		dst = coding.PutUvarint64(dst, e.nextFileNumber)
	}
	if e.hasLastSequence {
		dst = coding.PutUvarint32(dst, tagLastSequence)
		dst = coding.PutUvarint64(dst, uint64(e.lastSequence))
	}
	for _, p := range e.compactPointers {
		dst = coding.PutUvarint32(dst, tagCompactPointer)
		dst = coding.PutUvarint32(dst, uint32(p.level))
		dst = coding.PutLengthPrefixedSlice(dst, p.key)
	}
	for _, d := range e.deletedFiles {
		dst = coding.PutUvarint32(dst, tagDeletedFile)
		dst = coding.PutUvarint32(dst, uint32(d.level))
		dst = coding.PutUvarint64(dst, d.number)
	}
	for _, f := range e.newFiles {
		dst = coding.PutUvarint32(dst, tagNewFile)
		dst = coding.PutUvarint32(dst, uint32(f.level))
		dst = coding.PutUvarint64(dst, f.meta.Number)
		dst = coding.PutUvarint64(dst, f.meta.FileSize)
		dst = coding.PutLengthPrefixedSlice(dst, f.meta.Smallest)
		dst = coding.PutLengthPrefixedSlice(dst, f.meta.Largest)
	}
	return dst
}

func getLevel(input []byte) (int, []byte, error) {
	level, rest, err := coding.GetUvarint32(input)
	if err != nil {
		return 0, nil, err
	}
	if level >= NumLevels {
		return 0, nil, fmt.Errorf("level %d out of range", level)
	}
	return int(level), rest, nil
}

// DecodeFrom parses a manifest record.
func (e *VersionEdit) DecodeFrom(src []byte) error {
	e.Clear()
	input := src
	for len(input) > 0 {
		tag, rest, err := coding.GetUvarint32(input)
		if err != nil {
			return fmt.Errorf("manifest record: bad tag: %w", err)
		}
		input = rest
		switch tag {
		case tagComparator:
			name, rest, err := coding.GetLengthPrefixedSlice(input)
			if err != nil {
				return fmt.Errorf("manifest record: comparator name: %w", err)
			}
			e.SetComparatorName(string(name))
			input = rest

		case tagLogNumber:
			n, rest, err := coding.GetUvarint64(input)
			if err != nil {
				return fmt.Errorf("manifest record: log number: %w", err)
			}
			e.SetLogNumber(n)
			input = rest

		case tagPrevLogNumber:
			n, rest, err := coding.GetUvarint64(input)
			if err != nil {
				return fmt.Errorf("manifest record: prev log number: %w", err)
			}
			e.SetPrevLogNumber(n)
			input = rest

		case tagNextFileNumber:
			n, rest, err := coding.GetUvarint64(input)
			if err != nil {
				return fmt.Errorf("manifest record: next file number: %w", err)
			}
			e.SetNextFile(n)
			input = rest

		case tagLastSequence:
			n, rest, err := coding.GetUvarint64(input)
			if err != nil {
				return fmt.Errorf("manifest record: last sequence: %w", err)
			}
			e.SetLastSequence(keys.SequenceNumber(n))
			input = rest

		case tagCompactPointer:
			level, rest, err := getLevel(input)
			if err != nil {
				return fmt.Errorf("manifest record: compact pointer: %w", err)
			}
			key, rest, err := coding.GetLengthPrefixedSlice(rest)
			if err != nil {
				return fmt.Errorf("manifest record: compact pointer key: %w", err)
			}
			e.SetCompactPointer(level, key)
			input = rest

		case tagDeletedFile:
			level, rest, err := getLevel(input)
			if err != nil {
				return fmt.Errorf("manifest record: deleted file: %w", err)
			}
			n, rest, err := coding.GetUvarint64(rest)
			if err != nil {
				return fmt.Errorf("manifest record: deleted file number: %w", err)
			}
			e.RemoveFile(level, n)
			input = rest

		case tagNewFile:
			level, rest, err := getLevel(input)
			if err != nil {
				return fmt.Errorf("manifest record: new file: %w", err)
			}
			number, rest, err := coding.GetUvarint64(rest)
			if err != nil {
				return fmt.Errorf("manifest record: new file number: %w", err)
			}
			size, rest, err := coding.GetUvarint64(rest)
			if err != nil {
				return fmt.Errorf("manifest record: new file size: %w", err)
			}
			smallest, rest, err := coding.GetLengthPrefixedSlice(rest)
			if err != nil {
				return fmt.Errorf("manifest record: new file smallest: %w", err)
			}
			largest, rest, err := coding.GetLengthPrefixedSlice(rest)
			if err != nil {
				return fmt.Errorf("manifest record: new file largest: %w", err)
			}
			e.AddFile(level, number, size, smallest, largest)
			input = rest

		default:
			return fmt.Errorf("manifest record: unknown tag %d", tag)
		}
	}
	return nil
}

// DebugString renders the edit for the info log and tools.
func (e *VersionEdit) DebugString() string {
	s := "VersionEdit {"
	if e.hasComparator {
		s += fmt.Sprintf("\n  Comparator: %s", e.comparatorName)
	}
	if e.hasLogNumber {
		s += fmt.Sprintf("\n  LogNumber: %d", e.logNumber)
	}
	if e.hasPrevLogNumber {
		s += fmt.Sprintf("\n  PrevLogNumber: %d", e.prevLogNumber)
	}
	if e.hasNextFileNumber {
		s += fmt.Sprintf("\n  NextFile: %d", e.nextFileNumber)
	}
	if e.hasLastSequence {
		s += fmt.Sprintf("\n  LastSeq: %d", e.lastSequence)
	}
	for _, p := range e.compactPointers {
		s += fmt.Sprintf("\n  CompactPointer: %d %q", p.level, p.key)
	}
	for _, d := range e.deletedFiles {
		s += fmt.Sprintf("\n  RemoveFile: %d %d", d.level, d.number)
	}
	for _, f := range e.newFiles {
		s += fmt.Sprintf("\n  AddFile: %d %d %d %q..%q",
			f.level, f.meta.Number, f.meta.FileSize, f.meta.Smallest, f.meta.Largest)
	}
	s += "\n}\n"
	return s
}
