package lsm

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/env"
	"github.com/dd0wney/cluso-kv/pkg/iterator"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/table"
)

// compactionState tracks one running compaction's outputs.
type compactionState struct {
	compaction *Compaction

	// smallestSnapshot is the oldest sequence any reader can still
	// see; older shadowed records are dropped.
	smallestSnapshot keys.SequenceNumber

	outputs []compactionOutput

	outfile env.WritableFile
	builder *table.Builder

	totalBytes int64
}

type compactionOutput struct {
	number   uint64
	fileSize uint64
	smallest []byte
	largest  []byte
}

func (c *compactionState) currentOutput() *compactionOutput {
	return &c.outputs[len(c.outputs)-1]
}

// maybeScheduleCompaction starts the background worker when there is
// work and none is running. Requires mu.
func (db *DB) maybeScheduleCompaction() {
	if db.backgroundCompactionScheduled || db.shuttingDown.Load() || db.bgErr != nil {
		return
	}
	if db.imm == nil && db.manualCompaction == nil && !db.versions.NeedsCompaction() {
		return
	}
	db.backgroundCompactionScheduled = true
	go db.backgroundCall()
}

func (db *DB) backgroundCall() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.shuttingDown.Load() && db.bgErr == nil {
		db.backgroundCompaction()
	}
	db.backgroundCompactionScheduled = false

	// The completed pass may have unlocked the next one.
	db.maybeScheduleCompaction()
	db.bgWorkDone.Broadcast()
}

// backgroundCompaction runs one unit of background work: a memtable
// flush, a trivial move, or a full merge. Requires mu.
func (db *DB) backgroundCompaction() {
	if db.imm != nil {
		db.compactMemTable()
		return
	}

	var c *Compaction
	isManual := db.manualCompaction != nil
	var manualEnd []byte
	if isManual {
		m := db.manualCompaction
		c = db.versions.CompactRange(m.level, m.begin, m.end)
		m.done = c == nil
		if c != nil {
			manualEnd = c.Input(0, c.NumInputFiles(0)-1).Largest
		}
		db.logger.Info("manual compaction",
			logging.LevelNumber(m.level),
			logging.Bool("done", m.done))
	} else {
		c = db.versions.PickCompaction()
	}

	var err error
	switch {
	case c == nil:
		// Nothing to do.
	case !isManual && c.IsTrivialMove():
		f := c.Input(0, 0)
		c.Edit().RemoveFile(c.Level(), f.Number)
		c.Edit().AddFile(c.Level()+1, f.Number, f.FileSize, f.Smallest, f.Largest)
		err = db.versions.LogAndApply(c.Edit(), db.mu.Unlock, db.mu.Lock)
		if err != nil {
			db.recordBackgroundError(err)
		}
		db.logger.Info("trivial move",
			logging.FileNumber(f.Number),
			logging.Int("from_level", c.Level()),
			logging.Uint64("bytes", f.FileSize),
			logging.String("summary", db.versions.LevelSummary()))
		db.metrics.RecordCompaction("move", 0, 0, int64(f.FileSize))
	default:
		compact := &compactionState{compaction: c}
		err = db.doCompactionWork(compact)
		if err != nil {
			db.recordBackgroundError(err)
		}
		db.cleanupCompaction(compact)
		db.removeObsoleteFiles()
	}
	if c != nil {
		c.ReleaseInputs()
	}

	if err != nil && !db.shuttingDown.Load() {
		db.logger.Warn("compaction error", logging.Error(err))
	}

	if isManual {
		m := db.manualCompaction
		if err != nil {
			m.done = true
		}
		if !m.done {
			// Only part of the range was compacted; resume after it.
			m.tmpStorage = append(m.tmpStorage[:0], manualEnd...)
			m.begin = m.tmpStorage
		}
		db.manualCompaction = nil
	}
}

// compactMemTable flushes the immutable memtable and retires the logs
// it covered. Requires mu.
func (db *DB) compactMemTable() {
	base := db.versions.Current()
	base.Ref()
	var edit VersionEdit
	err := db.writeLevel0Table(db.imm, &edit, base)
	base.Unref()

	if err == nil && db.shuttingDown.Load() {
		err = ErrClosed
	}
	if err == nil {
		edit.SetPrevLogNumber(0)
		edit.SetLogNumber(db.logFileNumber)
		err = db.versions.LogAndApply(&edit, db.mu.Unlock, db.mu.Lock)
	}
	if err != nil {
		db.recordBackgroundError(err)
		return
	}

	db.imm.Unref()
	db.imm = nil
	db.hasImm.Store(false)
	db.removeObsoleteFiles()
}

func (db *DB) cleanupCompaction(compact *compactionState) {
	if compact.builder != nil {
		compact.builder.Abandon()
		compact.builder = nil
	}
	if compact.outfile != nil {
		compact.outfile.Close()
		compact.outfile = nil
	}
	for _, out := range compact.outputs {
		delete(db.pendingOutputs, out.number)
	}
}

func (db *DB) openCompactionOutputFile(compact *compactionState) error {
	db.mu.Lock()
	number := db.versions.NewFileNumber()
	db.pendingOutputs[number] = true
	compact.outputs = append(compact.outputs, compactionOutput{number: number})
	db.mu.Unlock()

	fname := TableFileName(db.dbname, number)
	file, err := db.env.NewWritableFile(fname)
	if err != nil {
		return err
	}
	compact.outfile = file
	compact.builder = table.NewBuilder(table.Options{
		Comparator:           db.icmp,
		BlockSize:            db.opts.BlockSize,
		BlockRestartInterval: db.opts.BlockRestartInterval,
		Compression:          db.opts.Compression,
		FilterPolicy:         newInternalFilterPolicy(db.opts.FilterPolicy),
	}, file)
	return nil
}

func (db *DB) finishCompactionOutputFile(compact *compactionState, input iterator.Iterator) error {
	output := compact.currentOutput()
	numEntries := compact.builder.NumEntries()

	err := input.Err()
	if err == nil {
		err = compact.builder.Finish()
	} else {
		compact.builder.Abandon()
	}
	fileSize := compact.builder.FileSize()
	output.fileSize = fileSize
	compact.totalBytes += int64(fileSize)
	compact.builder = nil

	if err == nil {
		err = compact.outfile.Sync()
	}
	if err == nil {
		err = compact.outfile.Close()
	} else {
		compact.outfile.Close()
	}
	compact.outfile = nil

	if err == nil && numEntries > 0 {
		// Open the result to verify it parses before it can be
		// installed.
		it := db.tableCache.NewIterator(output.number, fileSize, nil)
		err = it.Err()
		it.Close()
		if err == nil {
			db.logger.Info("compaction output",
				logging.FileNumber(output.number),
				logging.Int("entries", numEntries),
				logging.Uint64("bytes", fileSize))
		}
	}
	return err
}

func (db *DB) installCompactionResults(compact *compactionState) error {
	c := compact.compaction
	db.logger.Info("compacted",
		logging.LevelNumber(c.Level()),
		logging.Int("level_files", c.NumInputFiles(0)),
		logging.Int("next_level_files", c.NumInputFiles(1)),
		logging.Int64("bytes", compact.totalBytes))

	c.AddInputDeletions(c.Edit())
	for _, out := range compact.outputs {
		c.Edit().AddFile(c.Level()+1, out.number, out.fileSize, out.smallest, out.largest)
	}
	return db.versions.LogAndApply(c.Edit(), db.mu.Unlock, db.mu.Lock)
}

// doCompactionWork merges the inputs, dropping shadowed and dead
// records, and installs the outputs. Called with mu held; most of the
// work runs unlocked.
func (db *DB) doCompactionWork(compact *compactionState) error {
	startMicros := db.env.NowMicros()
	var immMicros int64

	db.logger.Info("compacting",
		logging.Int("files", compact.compaction.NumInputFiles(0)),
		logging.LevelNumber(compact.compaction.Level()),
		logging.Int("next_files", compact.compaction.NumInputFiles(1)))

	if db.snapshots.empty() {
		compact.smallestSnapshot = db.versions.LastSequence()
	} else {
		compact.smallestSnapshot = db.snapshots.oldest().sequence
	}

	input := db.versions.MakeInputIterator(compact.compaction)
	db.mu.Unlock()

	input.SeekToFirst()
	var err error
	var currentUserKey []byte
	hasCurrentUserKey := false
	lastSequenceForKey := keys.MaxSequenceNumber
	ucmp := db.icmp.UserComparator()

	for input.Valid() && !db.shuttingDown.Load() {
		// An accumulated memtable takes priority over the merge; a
		// blocked flush stalls every writer.
		if db.hasImm.Load() {
			immStart := db.env.NowMicros()
			db.mu.Lock()
			if db.imm != nil {
				db.compactMemTable()
				db.bgWorkDone.Broadcast()
			}
			db.mu.Unlock()
			immMicros += db.env.NowMicros() - immStart
		}

		key := input.Key()
		if compact.compaction.ShouldStopBefore(key) && compact.builder != nil {
			if err = db.finishCompactionOutputFile(compact, input); err != nil {
				break
			}
		}

		drop := false
		parsed, perr := keys.ParseInternalKey(key)
		if perr != nil {
			// Keep corrupt keys; hiding them would mask the damage.
			currentUserKey = currentUserKey[:0]
			hasCurrentUserKey = false
			lastSequenceForKey = keys.MaxSequenceNumber
		} else {
			if !hasCurrentUserKey || ucmp.Compare(parsed.UserKey, currentUserKey) != 0 {
				currentUserKey = append(currentUserKey[:0], parsed.UserKey...)
				hasCurrentUserKey = true
				lastSequenceForKey = keys.MaxSequenceNumber
			}
			if lastSequenceForKey <= compact.smallestSnapshot {
				// Shadowed by a newer record every reader can see.
				drop = true
			} else if parsed.Type == keys.TypeDeletion &&
				parsed.Sequence <= compact.smallestSnapshot &&
				compact.compaction.IsBaseLevelForKey(parsed.UserKey) {
				// The tombstone has nothing left to hide.
				drop = true
			}
			lastSequenceForKey = parsed.Sequence
		}

		if !drop {
			if compact.builder == nil {
				if err = db.openCompactionOutputFile(compact); err != nil {
					break
				}
			}
			out := compact.currentOutput()
			if compact.builder.NumEntries() == 0 {
				out.smallest = append(out.smallest[:0], key...)
			}
			out.largest = append(out.largest[:0], key...)
			compact.builder.Add(key, input.Value())

			if compact.builder.FileSize() >= uint64(compact.compaction.MaxOutputFileSize()) {
				if err = db.finishCompactionOutputFile(compact, input); err != nil {
					break
				}
			}
		}

		input.Next()
	}

	if err == nil && db.shuttingDown.Load() {
		err = ErrClosed
	}
	if err == nil && compact.builder != nil {
		err = db.finishCompactionOutputFile(compact, input)
	}
	if err == nil {
		err = input.Err()
	}
	input.Close()

	var stats compactionStats
	stats.micros = db.env.NowMicros() - startMicros - immMicros
	for which := 0; which < 2; which++ {
		for i := 0; i < compact.compaction.NumInputFiles(which); i++ {
			stats.bytesRead += int64(compact.compaction.Input(which, i).FileSize)
		}
	}
	stats.bytesWritten = compact.totalBytes

	db.mu.Lock()
	db.stats[compact.compaction.Level()+1].add(stats)
	db.metrics.RecordCompaction("merge", time.Duration(stats.micros)*time.Microsecond,
		stats.bytesRead, stats.bytesWritten)

	if err == nil {
		err = db.installCompactionResults(compact)
	}
	db.logger.Info("compaction finished",
		logging.String("summary", db.versions.LevelSummary()),
		logging.Error(err))
	db.publishLevelMetrics()
	return err
}

func (db *DB) publishLevelMetrics() {
	if db.metrics == nil {
		return
	}
	var files [NumLevels]int
	var bytes [NumLevels]int64
	for level := 0; level < NumLevels; level++ {
		files[level] = db.versions.NumLevelFiles(level)
		bytes[level] = db.versions.NumLevelBytes(level)
	}
	db.metrics.UpdateLevels(files[:], bytes[:])
	db.metrics.UpdateBlockCache(int64(db.opts.BlockCache.TotalCharge()))
}

// CompactRange compacts the underlying storage for the user key range
// [begin, end]. Nil bounds extend to the ends of the keyspace. On
// return, deleted and overwritten versions in the range are gone and
// the data has been rewritten into the deepest level it can live in.
func (db *DB) CompactRange(begin, end []byte) error {
	maxLevelWithFiles := 1
	db.mu.Lock()
	base := db.versions.Current()
	for level := 1; level < NumLevels; level++ {
		if base.OverlapInLevel(level, begin, end) {
			maxLevelWithFiles = level
		}
	}
	db.mu.Unlock()

	if err := db.compactMemTableSynchronously(); err != nil {
		return err
	}
	for level := 0; level < maxLevelWithFiles; level++ {
		if err := db.compactRangeAtLevel(level, begin, end); err != nil {
			return err
		}
	}
	return nil
}

// compactMemTableSynchronously forces the current memtable out and
// waits for the flush.
func (db *DB) compactMemTableSynchronously() error {
	// An empty write with force=true swaps the memtable.
	if err := db.Write(nil, nil); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for db.imm != nil && db.bgErr == nil {
		db.bgWorkDone.Wait()
	}
	return db.bgErr
}

// compactRangeAtLevel runs manual compactions of level until the whole
// internal key range is done.
func (db *DB) compactRangeAtLevel(level int, begin, end []byte) error {
	if level < 0 || level+1 >= NumLevels {
		return fmt.Errorf("level %d out of range for manual compaction", level)
	}

	m := &manualCompaction{level: level}
	if begin != nil {
		m.begin = keys.MakeInternalKey(begin, keys.MaxSequenceNumber, keys.TypeForSeek)
	}
	if end != nil {
		m.end = keys.MakeInternalKey(end, 0, 0)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for !m.done && !db.shuttingDown.Load() && db.bgErr == nil {
		if db.manualCompaction == nil {
			db.manualCompaction = m
			db.maybeScheduleCompaction()
		}
		db.bgWorkDone.Wait()
	}
	if db.manualCompaction == m {
		// Shutdown interrupted us; give up our slot.
		db.manualCompaction = nil
	}
	return db.bgErr
}
