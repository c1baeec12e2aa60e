package lsm

import (
	"fmt"
	"sort"

	"github.com/dd0wney/cluso-kv/pkg/env"
	"github.com/dd0wney/cluso-kv/pkg/iterator"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/wal"
)

func targetFileSize(opts *Options) int64 { return int64(opts.MaxFileSize) }

// maxGrandParentOverlapBytes bounds how much grandparent data a
// compaction output may overlap before it is cut, keeping later
// compactions of that output cheap.
func maxGrandParentOverlapBytes(opts *Options) int64 { return 10 * targetFileSize(opts) }

// expandedCompactionByteSizeLimit caps how far the lower-level input
// set may grow when pulling in extra files that compact for free.
func expandedCompactionByteSizeLimit(opts *Options) int64 { return 25 * targetFileSize(opts) }

// VersionSet owns the chain of versions and the manifest that
// persists it. All methods require the database mutex unless noted.
type VersionSet struct {
	env        env.Env
	dbname     string
	opts       *Options
	icmp       *keys.InternalKeyComparator
	tableCache *tableCache
	logger     logging.Logger

	nextFileNumber     uint64
	manifestFileNumber uint64
	lastSequence       keys.SequenceNumber
	logNumber          uint64
	prevLogNumber      uint64

	descriptorFile env.WritableFile
	descriptorLog  *wal.Writer

	// dummy anchors the circular version list; dummy.prev is current.
	dummy   Version
	current *Version

	// compactPointer remembers where the next size compaction of each
	// level should start, so compactions rotate through the keyspace.
	compactPointer [NumLevels][]byte
}

func newVersionSet(dbname string, opts *Options, tc *tableCache, icmp *keys.InternalKeyComparator) *VersionSet {
	vs := &VersionSet{
		env:            opts.Env,
		dbname:         dbname,
		opts:           opts,
		icmp:           icmp,
		tableCache:     tc,
		logger:         opts.Logger,
		nextFileNumber: 2,
	}
	vs.dummy.next = &vs.dummy
	vs.dummy.prev = &vs.dummy
	vs.appendVersion(newVersion(vs))
	return vs
}

func (vs *VersionSet) appendVersion(v *Version) {
	if vs.current != nil {
		vs.current.Unref()
	}
	vs.current = v
	v.Ref()

	v.prev = vs.dummy.prev
	v.next = &vs.dummy
	v.prev.next = v
	v.next.prev = v
}

func (vs *VersionSet) Current() *Version                  { return vs.current }
func (vs *VersionSet) ManifestFileNumber() uint64         { return vs.manifestFileNumber }
func (vs *VersionSet) LastSequence() keys.SequenceNumber  { return vs.lastSequence }
func (vs *VersionSet) SetLastSequence(s keys.SequenceNumber) {
	vs.lastSequence = s
}
func (vs *VersionSet) LogNumber() uint64     { return vs.logNumber }
func (vs *VersionSet) PrevLogNumber() uint64 { return vs.prevLogNumber }

// NewFileNumber allocates the next file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// ReuseFileNumber returns an unused allocation so numbers stay dense.
func (vs *VersionSet) ReuseFileNumber(n uint64) {
	if vs.nextFileNumber == n+1 {
		vs.nextFileNumber = n
	}
}

// MarkFileNumberUsed raises the allocator past a number seen on disk.
func (vs *VersionSet) MarkFileNumberUsed(n uint64) {
	if vs.nextFileNumber <= n {
		vs.nextFileNumber = n + 1
	}
}

// NumLevelFiles reports the file count of a level in the current
// version.
func (vs *VersionSet) NumLevelFiles(level int) int { return len(vs.current.files[level]) }

// NumLevelBytes reports the byte count of a level in the current
// version.
func (vs *VersionSet) NumLevelBytes(level int) int64 {
	return totalFileSize(vs.current.files[level])
}

// NeedsCompaction reports whether a size or seek trigger is pending.
func (vs *VersionSet) NeedsCompaction() bool {
	v := vs.current
	return v.compactionScore >= 1 || v.fileToCompact != nil
}

// versionBuilder accumulates edits on top of a base version, keeping
// the per-level file lists sorted and applying deletes before adds.
type versionBuilder struct {
	vset *VersionSet
	base *Version

	deleted [NumLevels]map[uint64]bool
	added   [NumLevels][]*FileMetaData
}

func newVersionBuilder(vset *VersionSet, base *Version) *versionBuilder {
	b := &versionBuilder{vset: vset, base: base}
	base.Ref()
	for level := 0; level < NumLevels; level++ {
		b.deleted[level] = make(map[uint64]bool)
	}
	return b
}

func (b *versionBuilder) release() { b.base.Unref() }

// apply folds one edit into the builder state.
func (b *versionBuilder) apply(edit *VersionEdit) {
	for _, p := range edit.compactPointers {
		b.vset.compactPointer[p.level] = append([]byte(nil), p.key...)
	}
	for _, d := range edit.deletedFiles {
		b.deleted[d.level][d.number] = true
	}
	for _, nf := range edit.newFiles {
		f := new(FileMetaData)
		*f = nf.meta
		f.refs = 1

		// A file earns one seek per 16 KiB before a read-triggered
		// compaction becomes worthwhile, floored so tiny files are not
		// compacted over a handful of reads.
		f.allowedSeeks = int(f.FileSize / 16384)
		if f.allowedSeeks < 100 {
			f.allowedSeeks = 100
		}

		delete(b.deleted[nf.level], f.Number)
		b.added[nf.level] = append(b.added[nf.level], f)
	}
}

// saveTo writes the merged state into v.
func (b *versionBuilder) saveTo(v *Version) {
	for level := 0; level < NumLevels; level++ {
		base := b.base.files[level]
		added := b.added[level]
		merged := make([]*FileMetaData, 0, len(base)+len(added))
		merged = append(merged, base...)
		merged = append(merged, added...)
		sort.Slice(merged, func(i, j int) bool {
			c := b.vset.icmp.Compare(merged[i].Smallest, merged[j].Smallest)
			if c != 0 {
				return c < 0
			}
			return merged[i].Number < merged[j].Number
		})
		for _, f := range merged {
			if b.deleted[level][f.Number] {
				continue
			}
			if level > 0 && len(v.files[level]) > 0 {
				prev := v.files[level][len(v.files[level])-1]
				if b.vset.icmp.Compare(prev.Largest, f.Smallest) >= 0 {
					panic(fmt.Sprintf("overlapping files %d and %d in level %d",
						prev.Number, f.Number, level))
				}
			}
			f.refs++
			v.files[level] = append(v.files[level], f)
		}
	}
}

// finalize computes the next level to compact and its urgency score.
func (vs *VersionSet) finalize(v *Version) {
	bestLevel := -1
	bestScore := -1.0
	for level := 0; level < NumLevels-1; level++ {
		var score float64
		if level == 0 {
			// File count, not bytes: every level-0 file is consulted
			// on each read, and a freshly opened database with a large
			// write buffer would otherwise never trigger.
			score = float64(len(v.files[0])) / float64(l0CompactionTrigger)
		} else {
			score = float64(totalFileSize(v.files[level])) / maxBytesForLevel(level)
		}
		if score > bestScore {
			bestLevel = level
			bestScore = score
		}
	}
	v.compactionLevel = bestLevel
	v.compactionScore = bestScore
}

// LogAndApply applies edit to the current version, persists it to the
// manifest, and installs the result as current. mu is released around
// the manifest write; concurrent LogAndApply calls are not allowed.
func (vs *VersionSet) LogAndApply(edit *VersionEdit, unlock, lock func()) error {
	if edit.hasLogNumber {
		if edit.logNumber < vs.logNumber || edit.logNumber >= vs.nextFileNumber {
			panic("log number out of range")
		}
	} else {
		edit.SetLogNumber(vs.logNumber)
	}
	if !edit.hasPrevLogNumber {
		edit.SetPrevLogNumber(vs.prevLogNumber)
	}
	edit.SetNextFile(vs.nextFileNumber)
	edit.SetLastSequence(vs.lastSequence)

	v := newVersion(vs)
	b := newVersionBuilder(vs, vs.current)
	b.apply(edit)
	b.saveTo(v)
	b.release()
	vs.finalize(v)

	newManifest := ""
	var err error
	if vs.descriptorLog == nil {
		// Opening the database; the manifest carries a full snapshot
		// before any deltas.
		newManifest = DescriptorFileName(vs.dbname, vs.manifestFileNumber)
		vs.descriptorFile, err = vs.env.NewWritableFile(newManifest)
		if err == nil {
			vs.descriptorLog = wal.NewWriter(vs.descriptorFile)
			err = vs.writeSnapshot(vs.descriptorLog)
		}
	}

	unlock()
	if err == nil {
		record := edit.EncodeTo(nil)
		if err = vs.descriptorLog.AddRecord(record); err == nil {
			err = vs.descriptorFile.Sync()
		}
		if err != nil {
			vs.logger.Error("manifest write failed", logging.Error(err))
		}
	}
	if err == nil && newManifest != "" {
		err = SetCurrentFile(vs.env, vs.dbname, vs.manifestFileNumber)
	}
	lock()

	if err == nil {
		vs.appendVersion(v)
		vs.logNumber = edit.logNumber
		vs.prevLogNumber = edit.prevLogNumber
		return nil
	}

	v.Ref()
	v.Unref()
	if newManifest != "" {
		vs.descriptorLog = nil
		vs.descriptorFile.Close()
		vs.descriptorFile = nil
		vs.env.RemoveFile(newManifest)
	}
	return err
}

// writeSnapshot records the full current state into log.
func (vs *VersionSet) writeSnapshot(log *wal.Writer) error {
	var edit VersionEdit
	edit.SetComparatorName(vs.icmp.UserComparator().Name())
	for level := 0; level < NumLevels; level++ {
		if p := vs.compactPointer[level]; len(p) > 0 {
			edit.SetCompactPointer(level, p)
		}
		for _, f := range vs.current.files[level] {
			edit.AddFile(level, f.Number, f.FileSize, f.Smallest, f.Largest)
		}
	}
	return log.AddRecord(edit.EncodeTo(nil))
}

type manifestCorruptionReporter struct {
	err *error
}

func (r manifestCorruptionReporter) Corruption(bytes int, err error) {
	if *r.err == nil {
		*r.err = err
	}
}

// Recover rebuilds the current version from CURRENT and the manifest
// it names. saveManifest reports whether the recovered manifest cannot
// be appended to and a new one must be written.
func (vs *VersionSet) Recover() (saveManifest bool, err error) {
	current, err := env.ReadFileToString(vs.env, CurrentFileName(vs.dbname))
	if err != nil {
		return false, err
	}
	if len(current) == 0 || current[len(current)-1] != '\n' {
		return false, fmt.Errorf("%w: CURRENT file does not end with newline", ErrCorruption)
	}
	current = current[:len(current)-1]

	dscname := vs.dbname + "/" + current
	file, err := vs.env.NewSequentialFile(dscname)
	if err != nil {
		return false, fmt.Errorf("%s names missing manifest: %w", CurrentFileName(vs.dbname), err)
	}
	defer file.Close()

	var (
		haveLogNumber     bool
		havePrevLogNumber bool
		haveNextFile      bool
		haveLastSequence  bool
		nextFile          uint64
		lastSequence      keys.SequenceNumber
		logNumber         uint64
		prevLogNumber     uint64
	)
	builder := newVersionBuilder(vs, vs.current)
	defer builder.release()

	var readErr error
	reader := wal.NewReader(file, manifestCorruptionReporter{&readErr}, true, 0)
	readRecords := 0
	for {
		record, ok := reader.ReadRecord()
		if !ok {
			break
		}
		readRecords++
		var edit VersionEdit
		if err := edit.DecodeFrom(record); err != nil {
			return false, err
		}
		if edit.hasComparator && edit.comparatorName != vs.icmp.UserComparator().Name() {
			return false, fmt.Errorf("comparator %s does not match existing comparator %s",
				vs.icmp.UserComparator().Name(), edit.comparatorName)
		}
		builder.apply(&edit)
		if edit.hasLogNumber {
			logNumber = edit.logNumber
			haveLogNumber = true
		}
		if edit.hasPrevLogNumber {
			prevLogNumber = edit.prevLogNumber
			havePrevLogNumber = true
		}
		if edit.hasNextFileNumber {
			nextFile = edit.nextFileNumber
			haveNextFile = true
		}
		if edit.hasLastSequence {
			lastSequence = edit.lastSequence
			haveLastSequence = true
		}
	}
	if readErr != nil {
		return false, fmt.Errorf("manifest %s: %w", current, readErr)
	}

	switch {
	case !haveNextFile:
		return false, fmt.Errorf("%w: no meta-nextfile entry in manifest", ErrCorruption)
	case !haveLogNumber:
		return false, fmt.Errorf("%w: no meta-lognumber entry in manifest", ErrCorruption)
	case !haveLastSequence:
		return false, fmt.Errorf("%w: no last-sequence-number entry in manifest", ErrCorruption)
	}
	if !havePrevLogNumber {
		prevLogNumber = 0
	}
	vs.MarkFileNumberUsed(prevLogNumber)
	vs.MarkFileNumberUsed(logNumber)

	v := newVersion(vs)
	builder.saveTo(v)
	vs.finalize(v)
	vs.appendVersion(v)
	vs.manifestFileNumber = nextFile
	vs.nextFileNumber = nextFile + 1
	vs.lastSequence = lastSequence
	vs.logNumber = logNumber
	vs.prevLogNumber = prevLogNumber

	if vs.reuseManifest(dscname, current) {
		// Continue appending to the recovered manifest.
		return false, nil
	}
	return true, nil
}

// reuseManifest reopens the existing manifest for appending when
// Options.ReuseLogs is set and the file is reasonably sized.
func (vs *VersionSet) reuseManifest(dscname, dscbase string) bool {
	if !vs.opts.ReuseLogs {
		return false
	}
	number, ft, ok := ParseFileName(dscbase)
	if !ok || ft != DescriptorFile {
		return false
	}
	size, err := vs.env.GetFileSize(dscname)
	if err != nil || size >= targetFileSize(vs.opts) {
		return false
	}
	file, err := vs.env.NewAppendableFile(dscname)
	if err != nil {
		vs.logger.Warn("reuse manifest failed", logging.String("file", dscname), logging.Error(err))
		return false
	}
	vs.logger.Info("reusing manifest", logging.String("file", dscname))
	vs.descriptorFile = file
	vs.descriptorLog = wal.NewWriterAtOffset(file, size)
	vs.manifestFileNumber = number
	return true
}

// AddLiveFiles inserts the numbers of every table file referenced by
// any live version.
func (vs *VersionSet) AddLiveFiles(live map[uint64]bool) {
	for v := vs.dummy.next; v != &vs.dummy; v = v.next {
		for level := 0; level < NumLevels; level++ {
			for _, f := range v.files[level] {
				live[f.Number] = true
			}
		}
	}
}

// ApproximateOffsetOf estimates the data volume in v preceding ikey.
func (vs *VersionSet) ApproximateOffsetOf(v *Version, ikey []byte) uint64 {
	var result uint64
	for level := 0; level < NumLevels; level++ {
		for _, f := range v.files[level] {
			if vs.icmp.Compare(f.Largest, ikey) <= 0 {
				result += f.FileSize
			} else if vs.icmp.Compare(f.Smallest, ikey) > 0 {
				if level > 0 {
					break
				}
			} else {
				result += vs.tableCache.ApproximateOffsetOf(f.Number, f.FileSize, ikey)
			}
		}
	}
	return result
}

// LevelSummary renders file counts per level for the info log.
func (vs *VersionSet) LevelSummary() string {
	s := "files ["
	for level := 0; level < NumLevels; level++ {
		if level > 0 {
			s += " "
		}
		s += fmt.Sprintf("%d", len(vs.current.files[level]))
	}
	return s + "]"
}

// PickCompaction chooses the next compaction. Size triggers take
// precedence over seek triggers. Returns nil when nothing is due.
func (vs *VersionSet) PickCompaction() *Compaction {
	v := vs.current
	var c *Compaction

	sizeCompaction := v.compactionScore >= 1
	seekCompaction := v.fileToCompact != nil
	switch {
	case sizeCompaction:
		level := v.compactionLevel
		c = newCompaction(vs.opts, level)
		// Resume after the last compacted key in this level, wrapping
		// to the start when past the end.
		for _, f := range v.files[level] {
			if len(vs.compactPointer[level]) == 0 ||
				vs.icmp.Compare(f.Largest, vs.compactPointer[level]) > 0 {
				c.inputs[0] = append(c.inputs[0], f)
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			c.inputs[0] = append(c.inputs[0], v.files[level][0])
		}
	case seekCompaction:
		c = newCompaction(vs.opts, v.fileToCompactLevel)
		c.inputs[0] = append(c.inputs[0], v.fileToCompact)
	default:
		return nil
	}

	c.inputVersion = v
	c.inputVersion.Ref()

	if c.level == 0 {
		// Level-0 files overlap each other, so widen to the full
		// transitive closure.
		smallest, largest := vs.getRange(c.inputs[0])
		v.GetOverlappingInputs(0, smallest, largest, &c.inputs[0])
		if len(c.inputs[0]) == 0 {
			panic("level-0 compaction lost its inputs")
		}
	}

	vs.setupOtherInputs(c)
	return c
}

// getRange computes the tightest internal key range covering inputs.
func (vs *VersionSet) getRange(inputs []*FileMetaData) (smallest, largest []byte) {
	for i, f := range inputs {
		if i == 0 {
			smallest = f.Smallest
			largest = f.Largest
			continue
		}
		if vs.icmp.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if vs.icmp.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}

func (vs *VersionSet) getRange2(inputs1, inputs2 []*FileMetaData) (smallest, largest []byte) {
	all := make([]*FileMetaData, 0, len(inputs1)+len(inputs2))
	all = append(all, inputs1...)
	all = append(all, inputs2...)
	return vs.getRange(all)
}

// setupOtherInputs fills in the level+1 inputs and, when possible,
// grows the level inputs without pulling in more of level+1.
func (vs *VersionSet) setupOtherInputs(c *Compaction) {
	v := c.inputVersion
	addBoundaryInputs(vs.icmp, v.files[c.level], &c.inputs[0])
	smallest, largest := vs.getRange(c.inputs[0])

	v.GetOverlappingInputs(c.level+1, smallest, largest, &c.inputs[1])
	addBoundaryInputs(vs.icmp, v.files[c.level+1], &c.inputs[1])

	allStart, allLimit := vs.getRange2(c.inputs[0], c.inputs[1])

	if len(c.inputs[1]) > 0 {
		var expanded0 []*FileMetaData
		v.GetOverlappingInputs(c.level, allStart, allLimit, &expanded0)
		addBoundaryInputs(vs.icmp, v.files[c.level], &expanded0)
		inputs0Size := totalFileSize(c.inputs[0])
		inputs1Size := totalFileSize(c.inputs[1])
		expanded0Size := totalFileSize(expanded0)
		if len(expanded0) > len(c.inputs[0]) &&
			inputs1Size+expanded0Size < expandedCompactionByteSizeLimit(vs.opts) {
			newStart, newLimit := vs.getRange(expanded0)
			var expanded1 []*FileMetaData
			v.GetOverlappingInputs(c.level+1, newStart, newLimit, &expanded1)
			addBoundaryInputs(vs.icmp, v.files[c.level+1], &expanded1)
			if len(expanded1) == len(c.inputs[1]) {
				vs.logger.Debug("expanding compaction",
					logging.LevelNumber(c.level),
					logging.Int("from_files", len(c.inputs[0])),
					logging.Int("to_files", len(expanded0)),
					logging.Int64("from_bytes", inputs0Size),
					logging.Int64("to_bytes", expanded0Size))
				smallest = newStart
				largest = newLimit
				c.inputs[0] = expanded0
				c.inputs[1] = expanded1
				allStart, allLimit = vs.getRange2(c.inputs[0], c.inputs[1])
			}
		}
	}

	if c.level+2 < NumLevels {
		v.GetOverlappingInputs(c.level+2, allStart, allLimit, &c.grandparents)
	}

	// The next compaction of this level resumes past largest even if
	// this one fails; at worst some data is compacted twice.
	vs.compactPointer[c.level] = append([]byte(nil), largest...)
	c.edit.SetCompactPointer(c.level, largest)
}

// findLargestKey returns the largest key in files.
func findLargestKey(icmp *keys.InternalKeyComparator, files []*FileMetaData) ([]byte, bool) {
	if len(files) == 0 {
		return nil, false
	}
	largest := files[0].Largest
	for _, f := range files[1:] {
		if icmp.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return largest, true
}

// findSmallestBoundaryFile locates the file whose smallest key is the
// least key greater than largestKey with the same user key.
func findSmallestBoundaryFile(icmp *keys.InternalKeyComparator,
	levelFiles []*FileMetaData, largestKey []byte) *FileMetaData {
	ucmp := icmp.UserComparator()
	var boundary *FileMetaData
	for _, f := range levelFiles {
		if icmp.Compare(f.Smallest, largestKey) > 0 &&
			ucmp.Compare(keys.UserKey(f.Smallest), keys.UserKey(largestKey)) == 0 {
			if boundary == nil || icmp.Compare(f.Smallest, boundary.Smallest) < 0 {
				boundary = f
			}
		}
	}
	return boundary
}

// addBoundaryInputs pulls in files that continue the same user key at
// older sequence numbers. Leaving such a file behind would let a later
// read see the older record once the newer one moves down a level.
func addBoundaryInputs(icmp *keys.InternalKeyComparator, levelFiles []*FileMetaData,
	inputs *[]*FileMetaData) {
	largestKey, ok := findLargestKey(icmp, *inputs)
	if !ok {
		return
	}
	for {
		b := findSmallestBoundaryFile(icmp, levelFiles, largestKey)
		if b == nil {
			return
		}
		*inputs = append(*inputs, b)
		largestKey = b.Largest
	}
}

// CompactRange builds a manual compaction for the given level and
// internal key range. Returns nil when the range hits no files.
func (vs *VersionSet) CompactRange(level int, begin, end []byte) *Compaction {
	var inputs []*FileMetaData
	vs.current.GetOverlappingInputs(level, begin, end, &inputs)
	if len(inputs) == 0 {
		return nil
	}

	// Deep levels bound one compaction's work to roughly one output
	// file; level 0 must take everything because files overlap.
	if level > 0 {
		limit := targetFileSize(vs.opts)
		var total int64
		for i, f := range inputs {
			total += int64(f.FileSize)
			if total >= limit {
				inputs = inputs[:i+1]
				break
			}
		}
	}

	c := newCompaction(vs.opts, level)
	c.inputVersion = vs.current
	c.inputVersion.Ref()
	c.inputs[0] = inputs
	vs.setupOtherInputs(c)
	return c
}

// MakeInputIterator merges every input file of c into one iterator
// over the records being compacted.
func (vs *VersionSet) MakeInputIterator(c *Compaction) iterator.Iterator {
	var iters []iterator.Iterator
	for which := 0; which < 2; which++ {
		if len(c.inputs[which]) == 0 {
			continue
		}
		if c.level+which == 0 {
			for _, f := range c.inputs[which] {
				iters = append(iters, vs.tableCache.NewIterator(f.Number, f.FileSize, nil))
			}
		} else {
			iters = append(iters, newLevelFileIterator(vs.icmp, vs.tableCache, c.inputs[which]))
		}
	}
	return iterator.NewMerging(vs.icmp.Compare, iters...)
}
