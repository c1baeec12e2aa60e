package lsm

import (
	"sync"

	"github.com/dd0wney/cluso-kv/pkg/batch"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/memtable"
	"github.com/dd0wney/cluso-kv/pkg/wal"
)

// dbWriter is one queued call to Write. The queue head performs the
// log append on behalf of as many queued writers as fit in one group.
type dbWriter struct {
	b    *batch.Batch // nil means "just make room"
	sync bool
	done bool
	err  error
	cv   *sync.Cond
}

// Write applies b atomically. With opts.Sync the write is on stable
// storage before returning.
func (db *DB) Write(opts *WriteOptions, b *batch.Batch) error {
	var wo WriteOptions
	if opts != nil {
		wo = *opts
	}

	w := &dbWriter{b: b, sync: wo.Sync}
	w.cv = sync.NewCond(&db.mu)

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.shuttingDown.Load() {
		return ErrClosed
	}
	db.writers = append(db.writers, w)
	for !w.done && w != db.writers[0] {
		w.cv.Wait()
	}
	if w.done {
		return w.err
	}

	// This writer now owns the queue head.
	err := db.makeRoomForWrite(b == nil)
	lastSequence := db.versions.LastSequence()
	lastWriter := w
	if err == nil && b != nil {
		group := db.buildBatchGroup(&lastWriter)
		group.SetSequence(lastSequence + 1)
		lastSequence += keys.SequenceNumber(group.Count())

		// The log append and memtable insert run unlocked; new
		// writers queue behind lastWriter and cannot interleave.
		db.mu.Unlock()
		err = db.log.AddRecord(group.Contents())
		syncError := false
		if err == nil && w.sync {
			if err = db.logFile.Sync(); err != nil {
				syncError = true
			}
		}
		if err == nil {
			err = batch.InsertInto(group, db.mem)
		}
		db.mu.Lock()
		if syncError {
			// The log tail is now suspect; no further writes may
			// succeed against it.
			db.recordBackgroundError(err)
		}
		if group == db.tmpBatch {
			db.tmpBatch.Clear()
		}
		db.versions.SetLastSequence(lastSequence)
	}

	for {
		ready := db.writers[0]
		db.writers = db.writers[1:]
		if err == nil && ready.b != nil {
			db.metrics.RecordWrite(ready.b.ApproximateSize())
		}
		if ready != w {
			ready.err = err
			ready.done = true
			ready.cv.Signal()
		}
		if ready == lastWriter {
			break
		}
	}
	if len(db.writers) > 0 {
		db.writers[0].cv.Signal()
	}
	return err
}

// maxWriteBatchGroupSize caps how much one queue head commits at once.
const maxWriteBatchGroupSize = 1 << 20

// buildBatchGroup concatenates queued batches behind the head into one
// group, stopping before sync-mismatched or oversized tails.
// lastWriter is set to the final writer included.
func (db *DB) buildBatchGroup(lastWriter **dbWriter) *batch.Batch {
	first := db.writers[0]
	result := first.b

	size := result.ApproximateSize()
	maxSize := maxWriteBatchGroupSize
	if size <= 128<<10 {
		// Small writes stay snappy; do not make one wait on a huge
		// group commit.
		maxSize = size + 128<<10
	}

	*lastWriter = first
	for _, w := range db.writers[1:] {
		if w.sync && !first.sync {
			// An unsynced head must not carry a synced write's data.
			break
		}
		if w.b != nil {
			size += w.b.ApproximateSize()
			if size > maxSize {
				break
			}
			if result == first.b {
				result = db.tmpBatch
				result.Append(first.b)
			}
			result.Append(w.b)
		}
		*lastWriter = w
	}
	return result
}

// makeRoomForWrite ensures the memtable can take the next write,
// pacing or stalling callers while flushes and compactions catch up.
// Requires mu; may release and reacquire it.
func (db *DB) makeRoomForWrite(force bool) error {
	allowDelay := !force
	for {
		switch {
		case db.bgErr != nil:
			return db.bgErr

		case allowDelay && db.versions.NumLevelFiles(0) >= l0SlowdownWritesTrigger:
			// Hand each writer a 1ms delay instead of stalling anyone
			// for seconds once level 0 fills up.
			db.mu.Unlock()
			db.env.SleepForMicroseconds(1000)
			allowDelay = false
			db.metrics.RecordStall("slowdown")
			db.mu.Lock()

		case !force && db.mem.ApproximateMemoryUsage() <= int64(db.opts.WriteBufferSize):
			return nil

		case db.imm != nil:
			db.logger.Debug("waiting for memtable flush")
			db.metrics.RecordStall("memtable")
			db.bgWorkDone.Wait()

		case db.versions.NumLevelFiles(0) >= l0StopWritesTrigger:
			db.logger.Debug("waiting for level-0 compaction",
				logging.Int("files", db.versions.NumLevelFiles(0)))
			db.metrics.RecordStall("l0")
			db.bgWorkDone.Wait()

		default:
			// Swap in a fresh memtable and log.
			newLogNumber := db.versions.NewFileNumber()
			logFile, err := db.env.NewWritableFile(LogFileName(db.dbname, newLogNumber))
			if err != nil {
				db.versions.ReuseFileNumber(newLogNumber)
				return err
			}
			if db.logFile != nil {
				db.logFile.Close()
			}
			db.logFile = logFile
			db.logFileNumber = newLogNumber
			db.log = wal.NewWriter(logFile)
			db.imm = db.mem
			db.hasImm.Store(true)
			db.mem = memtable.New(db.icmp)
			db.mem.Ref()
			force = false
			db.maybeScheduleCompaction()
		}
	}
}
