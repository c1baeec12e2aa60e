package lsm

import (
	"fmt"
	"sort"

	"github.com/dd0wney/cluso-kv/pkg/iterator"
	"github.com/dd0wney/cluso-kv/pkg/keys"
)

// maxBytesForLevel is the size target that drives compaction scoring.
// Level 0 is scored by file count instead.
func maxBytesForLevel(level int) float64 {
	result := 10.0 * 1048576.0
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

func totalFileSize(files []*FileMetaData) int64 {
	var sum int64
	for _, f := range files {
		sum += int64(f.FileSize)
	}
	return sum
}

// Version is an immutable snapshot of the level structure. Versions
// form a doubly linked list owned by the VersionSet; readers hold refs.
type Version struct {
	vset *VersionSet
	next *Version
	prev *Version
	refs int

	files [NumLevels][]*FileMetaData

	// Seek-triggered compaction state, set by UpdateStats.
	fileToCompact      *FileMetaData
	fileToCompactLevel int

	// Size-triggered compaction state, set by finalize.
	compactionScore float64
	compactionLevel int
}

func newVersion(vset *VersionSet) *Version {
	return &Version{
		vset:               vset,
		fileToCompactLevel: -1,
		compactionScore:    -1,
		compactionLevel:    -1,
	}
}

func (v *Version) Ref() { v.refs++ }

func (v *Version) Unref() {
	v.refs--
	if v.refs == 0 {
		v.prev.next = v.next
		v.next.prev = v.prev
		for level := 0; level < NumLevels; level++ {
			for _, f := range v.files[level] {
				f.refs--
			}
		}
	}
}

// NumFiles reports how many table files live in a level.
func (v *Version) NumFiles(level int) int { return len(v.files[level]) }

// findFile returns the index of the earliest file whose largest key is
// at or after key. Files must be sorted and non-overlapping.
func findFile(icmp *keys.InternalKeyComparator, files []*FileMetaData, key []byte) int {
	return sort.Search(len(files), func(i int) bool {
		return icmp.Compare(files[i].Largest, key) >= 0
	})
}

func afterFile(ucmp keys.Comparator, userKey []byte, f *FileMetaData) bool {
	return userKey != nil && ucmp.Compare(userKey, keys.UserKey(f.Largest)) > 0
}

func beforeFile(ucmp keys.Comparator, userKey []byte, f *FileMetaData) bool {
	return userKey != nil && ucmp.Compare(userKey, keys.UserKey(f.Smallest)) < 0
}

// someFileOverlapsRange reports whether any file intersects the user
// key range [smallest, largest]. Nil bounds are unbounded. If
// disjointSortedFiles is set, binary search replaces the linear scan.
func someFileOverlapsRange(icmp *keys.InternalKeyComparator, disjointSortedFiles bool,
	files []*FileMetaData, smallestUserKey, largestUserKey []byte) bool {
	ucmp := icmp.UserComparator()
	if !disjointSortedFiles {
		for _, f := range files {
			if afterFile(ucmp, smallestUserKey, f) || beforeFile(ucmp, largestUserKey, f) {
				continue
			}
			return true
		}
		return false
	}

	index := 0
	if smallestUserKey != nil {
		small := keys.MakeInternalKey(smallestUserKey, keys.MaxSequenceNumber, keys.TypeForSeek)
		index = findFile(icmp, files, small)
	}
	if index >= len(files) {
		return false
	}
	return !beforeFile(ucmp, largestUserKey, files[index])
}

// OverlapInLevel reports whether any file in level intersects the user
// key range.
func (v *Version) OverlapInLevel(level int, smallestUserKey, largestUserKey []byte) bool {
	return someFileOverlapsRange(v.vset.icmp, level > 0, v.files[level],
		smallestUserKey, largestUserKey)
}

// PickLevelForMemTableOutput chooses where a fresh memtable dump goes.
// Pushing past level 0 when nothing overlaps avoids rewriting the same
// bytes immediately, bounded so the file stays cheap to re-compact.
func (v *Version) PickLevelForMemTableOutput(smallestUserKey, largestUserKey []byte) int {
	level := 0
	if v.OverlapInLevel(0, smallestUserKey, largestUserKey) {
		return 0
	}
	start := keys.MakeInternalKey(smallestUserKey, keys.MaxSequenceNumber, keys.TypeForSeek)
	limit := keys.MakeInternalKey(largestUserKey, 0, 0)
	for level < maxMemCompactLevel {
		if v.OverlapInLevel(level+1, smallestUserKey, largestUserKey) {
			break
		}
		if level+2 < NumLevels {
			var overlaps []*FileMetaData
			v.GetOverlappingInputs(level+2, start, limit, &overlaps)
			if totalFileSize(overlaps) > maxGrandParentOverlapBytes(v.vset.opts) {
				break
			}
		}
		level++
	}
	return level
}

// GetOverlappingInputs collects the files in level intersecting
// [begin, end] (internal keys; nil means unbounded). Level-0 files can
// overlap each other, so a hit there widens the range and restarts.
func (v *Version) GetOverlappingInputs(level int, begin, end []byte, inputs *[]*FileMetaData) {
	*inputs = (*inputs)[:0]
	var userBegin, userEnd []byte
	if begin != nil {
		userBegin = keys.UserKey(begin)
	}
	if end != nil {
		userEnd = keys.UserKey(end)
	}
	ucmp := v.vset.icmp.UserComparator()
	for i := 0; i < len(v.files[level]); {
		f := v.files[level][i]
		i++
		fileStart := keys.UserKey(f.Smallest)
		fileLimit := keys.UserKey(f.Largest)
		if begin != nil && ucmp.Compare(fileLimit, userBegin) < 0 {
			continue
		}
		if end != nil && ucmp.Compare(fileStart, userEnd) > 0 {
			continue
		}
		*inputs = append(*inputs, f)
		if level == 0 {
			if begin != nil && ucmp.Compare(fileStart, userBegin) < 0 {
				userBegin = fileStart
				*inputs = (*inputs)[:0]
				i = 0
			} else if end != nil && ucmp.Compare(fileLimit, userEnd) > 0 {
				userEnd = fileLimit
				*inputs = (*inputs)[:0]
				i = 0
			}
		}
	}
}

// levelFileIterator walks the table files of one level in key order,
// opening each through the table cache as it is reached.
type levelFileIterator struct {
	icmp  *keys.InternalKeyComparator
	tc    *tableCache
	files []*FileMetaData

	index int // len(files) means invalid
	data  iterator.Iterator
	err   error
}

func newLevelFileIterator(icmp *keys.InternalKeyComparator, tc *tableCache, files []*FileMetaData) iterator.Iterator {
	return &levelFileIterator{icmp: icmp, tc: tc, files: files, index: len(files)}
}

func (it *levelFileIterator) setFile(index int) {
	if it.data != nil {
		it.data.Close()
		it.data = nil
	}
	it.index = index
	if index < len(it.files) {
		f := it.files[index]
		it.data = it.tc.NewIterator(f.Number, f.FileSize, nil)
	}
}

func (it *levelFileIterator) skipEmptyForward() {
	for it.data != nil && !it.data.Valid() {
		if err := it.data.Err(); err != nil && it.err == nil {
			it.err = err
		}
		if it.index+1 >= len(it.files) {
			it.setFile(len(it.files))
			return
		}
		it.setFile(it.index + 1)
		it.data.SeekToFirst()
	}
}

func (it *levelFileIterator) skipEmptyBackward() {
	for it.data != nil && !it.data.Valid() {
		if err := it.data.Err(); err != nil && it.err == nil {
			it.err = err
		}
		if it.index == 0 {
			it.setFile(len(it.files))
			return
		}
		it.setFile(it.index - 1)
		it.data.SeekToLast()
	}
}

func (it *levelFileIterator) Valid() bool { return it.data != nil && it.data.Valid() }

func (it *levelFileIterator) SeekToFirst() {
	if len(it.files) == 0 {
		it.setFile(len(it.files))
		return
	}
	it.setFile(0)
	it.data.SeekToFirst()
	it.skipEmptyForward()
}

func (it *levelFileIterator) SeekToLast() {
	if len(it.files) == 0 {
		it.setFile(len(it.files))
		return
	}
	it.setFile(len(it.files) - 1)
	it.data.SeekToLast()
	it.skipEmptyBackward()
}

func (it *levelFileIterator) Seek(target []byte) {
	index := findFile(it.icmp, it.files, target)
	if index >= len(it.files) {
		it.setFile(len(it.files))
		return
	}
	it.setFile(index)
	it.data.Seek(target)
	it.skipEmptyForward()
}

func (it *levelFileIterator) Next() {
	it.data.Next()
	it.skipEmptyForward()
}

func (it *levelFileIterator) Prev() {
	it.data.Prev()
	it.skipEmptyBackward()
}

func (it *levelFileIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.data.Key()
}

func (it *levelFileIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.data.Value()
}

func (it *levelFileIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.data != nil {
		return it.data.Err()
	}
	return nil
}

func (it *levelFileIterator) Close() error {
	if it.data != nil {
		err := it.data.Close()
		it.data = nil
		return err
	}
	return nil
}

// AddIterators appends iterators that together yield the version's
// full contents: one per level-0 file, one concatenating iterator per
// deeper level.
func (v *Version) AddIterators(iters *[]iterator.Iterator) {
	for _, f := range v.files[0] {
		*iters = append(*iters, v.vset.tableCache.NewIterator(f.Number, f.FileSize, nil))
	}
	for level := 1; level < NumLevels; level++ {
		if len(v.files[level]) > 0 {
			*iters = append(*iters, newLevelFileIterator(v.vset.icmp, v.vset.tableCache, v.files[level]))
		}
	}
}

type saverState int

const (
	saverNotFound saverState = iota
	saverFound
	saverDeleted
	saverCorrupt
)

type saver struct {
	state   saverState
	ucmp    keys.Comparator
	userKey []byte
	value   []byte
}

func (s *saver) save(ikey, v []byte) {
	parsed, err := keys.ParseInternalKey(ikey)
	if err != nil {
		s.state = saverCorrupt
		return
	}
	if s.ucmp.Compare(parsed.UserKey, s.userKey) != 0 {
		return
	}
	if parsed.Type == keys.TypeValue {
		s.state = saverFound
		s.value = append([]byte(nil), v...)
	} else {
		s.state = saverDeleted
	}
}

func newestFirst(a, b *FileMetaData) bool { return a.Number > b.Number }

// forEachOverlapping calls fn on every file that may contain userKey,
// newest to oldest, stopping when fn returns false.
func (v *Version) forEachOverlapping(userKey, internalKey []byte, fn func(level int, f *FileMetaData) bool) {
	ucmp := v.vset.icmp.UserComparator()

	tmp := make([]*FileMetaData, 0, len(v.files[0]))
	for _, f := range v.files[0] {
		if ucmp.Compare(userKey, keys.UserKey(f.Smallest)) >= 0 &&
			ucmp.Compare(userKey, keys.UserKey(f.Largest)) <= 0 {
			tmp = append(tmp, f)
		}
	}
	sort.Slice(tmp, func(i, j int) bool { return newestFirst(tmp[i], tmp[j]) })
	for _, f := range tmp {
		if !fn(0, f) {
			return
		}
	}

	for level := 1; level < NumLevels; level++ {
		files := v.files[level]
		if len(files) == 0 {
			continue
		}
		index := findFile(v.vset.icmp, files, internalKey)
		if index >= len(files) {
			continue
		}
		f := files[index]
		if ucmp.Compare(userKey, keys.UserKey(f.Smallest)) < 0 {
			continue
		}
		if !fn(level, f) {
			return
		}
	}
}

// GetStats carries seek accounting out of a read so the caller can
// feed it back through UpdateStats.
type GetStats struct {
	SeekFile      *FileMetaData
	SeekFileLevel int
}

// Get looks up the lookup key in the version's table files.
func (v *Version) Get(lkey *keys.LookupKey, stats *GetStats) ([]byte, error) {
	stats.SeekFile = nil
	stats.SeekFileLevel = -1

	s := saver{
		ucmp:    v.vset.icmp.UserComparator(),
		userKey: lkey.UserKey(),
	}
	var lastFileRead *FileMetaData
	lastFileReadLevel := -1
	var getErr error

	v.forEachOverlapping(lkey.UserKey(), lkey.InternalKey(), func(level int, f *FileMetaData) bool {
		if stats.SeekFile == nil && lastFileRead != nil {
			// A read touching two files charges a seek to the first.
			stats.SeekFile = lastFileRead
			stats.SeekFileLevel = lastFileReadLevel
		}
		lastFileRead = f
		lastFileReadLevel = level

		err := v.vset.tableCache.Get(f.Number, f.FileSize, lkey.InternalKey(), s.save)
		if err != nil {
			getErr = err
			return false
		}
		switch s.state {
		case saverNotFound:
			return true
		case saverFound, saverDeleted:
			return false
		case saverCorrupt:
			getErr = fmt.Errorf("%w: bad internal key for %q", ErrCorruption, lkey.UserKey())
			return false
		}
		return true
	})

	if getErr != nil {
		return nil, getErr
	}
	if s.state == saverFound {
		return s.value, nil
	}
	return nil, ErrNotFound
}

// UpdateStats charges a seek to the file a read had to pass through.
// Returns true when the file has exhausted its allowance and should be
// compacted.
func (v *Version) UpdateStats(stats GetStats) bool {
	f := stats.SeekFile
	if f == nil {
		return false
	}
	f.allowedSeeks--
	if f.allowedSeeks <= 0 && v.fileToCompact == nil {
		v.fileToCompact = f
		v.fileToCompactLevel = stats.SeekFileLevel
		return true
	}
	return false
}

// RecordReadSample notes that internalKey was yielded by an iterator.
// When at least two files overlap the key, the first is charged a seek
// so hot overlapping files eventually merge.
func (v *Version) RecordReadSample(internalKey []byte) bool {
	parsed, err := keys.ParseInternalKey(internalKey)
	if err != nil {
		return false
	}
	var stats GetStats
	matches := 0
	v.forEachOverlapping(parsed.UserKey, internalKey, func(level int, f *FileMetaData) bool {
		matches++
		if matches == 1 {
			stats.SeekFile = f
			stats.SeekFileLevel = level
		}
		return matches < 2
	})
	if matches >= 2 {
		return v.UpdateStats(stats)
	}
	return false
}

// DebugString renders the level structure for the info log.
func (v *Version) DebugString() string {
	s := ""
	for level := 0; level < NumLevels; level++ {
		s += fmt.Sprintf("--- level %d ---\n", level)
		for _, f := range v.files[level] {
			s += fmt.Sprintf("  %d:%d[%q .. %q]\n", f.Number, f.FileSize, f.Smallest, f.Largest)
		}
	}
	return s
}
