package lsm

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-kv/pkg/batch"
	"github.com/dd0wney/cluso-kv/pkg/cache"
	"github.com/dd0wney/cluso-kv/pkg/env"
	"github.com/dd0wney/cluso-kv/pkg/iterator"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/memtable"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/wal"
)

// DB is an ordered, durable key-value store backed by a log-structured
// merge tree. All methods are safe for concurrent use.
type DB struct {
	opts      Options
	icmp      *keys.InternalKeyComparator
	env       env.Env
	dbname    string
	logger    logging.Logger
	metrics   *metrics.Registry
	ownsCache bool

	tableCache *tableCache
	dbLock     env.FileLock

	mu           sync.Mutex
	shuttingDown atomic.Bool
	bgWorkDone   *sync.Cond

	mem *memtable.MemTable

	// imm is the memtable being flushed; hasImm mirrors it so the
	// compactor can poll without the mutex.
	imm    *memtable.MemTable
	hasImm atomic.Bool

	logFile       env.WritableFile
	logFileNumber uint64
	log           *wal.Writer
	seed          uint32

	// infoLog is the LOG file backing the engine logger when the
	// caller did not supply one.
	infoLog env.WritableFile

	writers  []*dbWriter
	tmpBatch *batch.Batch

	snapshots      *snapshotList
	pendingOutputs map[uint64]bool

	backgroundCompactionScheduled bool
	manualCompaction              *manualCompaction

	versions *VersionSet

	// bgErr is sticky; once the background can no longer make
	// progress, every write fails with it.
	bgErr error

	stats [NumLevels]compactionStats
}

type compactionStats struct {
	micros       int64
	bytesRead    int64
	bytesWritten int64
}

func (s *compactionStats) add(o compactionStats) {
	s.micros += o.micros
	s.bytesRead += o.bytesRead
	s.bytesWritten += o.bytesWritten
}

type manualCompaction struct {
	level int
	done  bool
	begin []byte // nil means start of keyspace
	end   []byte // nil means end of keyspace

	// tmpStorage carries the compaction cursor across the sub-ranges
	// a large manual compaction is split into.
	tmpStorage []byte
}

// Open opens the database in the directory dbname, creating it when
// allowed by opts.
func Open(dbname string, opts *Options) (*DB, error) {
	db := newDB(dbname, opts)

	db.mu.Lock()
	defer db.mu.Unlock()

	var edit VersionEdit
	saveManifest, err := db.recover(&edit)
	if err == nil && db.mem == nil {
		// Fresh log and memtable unless recovery reused the old ones.
		newLogNumber := db.versions.NewFileNumber()
		logFile, lerr := db.env.NewWritableFile(LogFileName(dbname, newLogNumber))
		if lerr != nil {
			err = lerr
		} else {
			edit.SetLogNumber(newLogNumber)
			db.logFile = logFile
			db.logFileNumber = newLogNumber
			db.log = wal.NewWriter(logFile)
			db.mem = memtable.New(db.icmp)
			db.mem.Ref()
		}
	}
	if err == nil && saveManifest {
		edit.SetPrevLogNumber(0)
		edit.SetLogNumber(db.logFileNumber)
		err = db.versions.LogAndApply(&edit, db.mu.Unlock, db.mu.Lock)
	}
	if err == nil {
		db.removeObsoleteFiles()
		db.maybeScheduleCompaction()
	}
	if err != nil {
		db.mu.Unlock()
		db.Close()
		db.mu.Lock()
		return nil, err
	}
	return db, nil
}

func newDB(dbname string, opts *Options) *DB {
	o := opts.withDefaults()
	db := &DB{
		opts:           o,
		icmp:           keys.NewInternalKeyComparator(o.Comparator),
		env:            o.Env,
		dbname:         dbname,
		logger:         o.Logger,
		metrics:        o.Metrics,
		tmpBatch:       batch.New(),
		snapshots:      newSnapshotList(),
		pendingOutputs: make(map[uint64]bool),
		seed:           1,
	}
	if db.opts.BlockCache == nil {
		db.opts.BlockCache = cache.New(8 << 20)
		db.ownsCache = true
	}
	if opts == nil || opts.Logger == nil {
		db.openInfoLog()
		db.opts.Logger = db.logger
	}
	db.bgWorkDone = sync.NewCond(&db.mu)

	// Reserve ten slots for files the engine holds open outside the
	// cache: log, manifest, CURRENT, and room to breathe.
	db.tableCache = newTableCache(dbname, &db.opts, db.icmp, db.opts.MaxOpenFiles-10)
	db.versions = newVersionSet(dbname, &db.opts, db.tableCache, db.icmp)
	return db
}

// openInfoLog rotates LOG to LOG.old and points the engine logger at
// a fresh LOG file. On failure the no-op logger stays in place.
func (db *DB) openInfoLog() {
	db.env.CreateDir(db.dbname)
	name := InfoLogFileName(db.dbname)
	if db.env.FileExists(name) {
		db.env.RenameFile(name, OldInfoLogFileName(db.dbname))
	}
	f, err := db.env.NewWritableFile(name)
	if err != nil {
		return
	}
	db.infoLog = f
	db.logger = logging.NewJSONLogger(infoLogWriter{f}, logging.InfoLevel)
}

// infoLogWriter adapts a WritableFile to io.Writer for the logger.
type infoLogWriter struct {
	f env.WritableFile
}

func (w infoLogWriter) Write(p []byte) (int, error) {
	if err := w.f.Append(p); err != nil {
		return 0, err
	}
	return len(p), w.f.Flush()
}

// newDBFiles writes the manifest and CURRENT of an empty database.
func (db *DB) newDBFiles() error {
	var edit VersionEdit
	edit.SetComparatorName(db.icmp.UserComparator().Name())
	edit.SetLogNumber(0)
	edit.SetNextFile(2)
	edit.SetLastSequence(0)

	manifest := DescriptorFileName(db.dbname, 1)
	file, err := db.env.NewWritableFile(manifest)
	if err != nil {
		return err
	}
	log := wal.NewWriter(file)
	err = log.AddRecord(edit.EncodeTo(nil))
	if err == nil {
		err = file.Sync()
	}
	if err == nil {
		err = file.Close()
	} else {
		file.Close()
	}
	if err != nil {
		db.env.RemoveFile(manifest)
		return err
	}
	return SetCurrentFile(db.env, db.dbname, 1)
}

// recover brings the database to the state it had at the last
// successful write, replaying any logs newer than the manifest.
func (db *DB) recover(edit *VersionEdit) (saveManifest bool, err error) {
	db.env.CreateDir(db.dbname)
	db.dbLock, err = db.env.LockFile(LockFileName(db.dbname))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrReadOnly, err)
	}

	if !db.env.FileExists(CurrentFileName(db.dbname)) {
		if !db.opts.CreateIfMissing {
			return false, fmt.Errorf("%s: does not exist (CreateIfMissing is false)", db.dbname)
		}
		db.logger.Info("creating database", logging.String("db", db.dbname))
		if err := db.newDBFiles(); err != nil {
			return false, err
		}
	} else if db.opts.ErrorIfExists {
		return false, fmt.Errorf("%s: exists (ErrorIfExists is true)", db.dbname)
	}

	saveManifest, err = db.versions.Recover()
	if err != nil {
		return false, err
	}

	// Any log newer than the manifest's watermark may hold writes the
	// tables do not. Replay them oldest first.
	minLog := db.versions.LogNumber()
	prevLog := db.versions.PrevLogNumber()
	children, err := db.env.GetChildren(db.dbname)
	if err != nil {
		return false, err
	}
	expected := make(map[uint64]bool)
	db.versions.AddLiveFiles(expected)
	var logs []uint64
	for _, name := range children {
		if number, ft, ok := ParseFileName(name); ok {
			delete(expected, number)
			if ft == LogFile && (number >= minLog || number == prevLog) {
				logs = append(logs, number)
			}
		}
	}
	if len(expected) > 0 {
		return false, fmt.Errorf("%d missing table files, e.g. %s",
			len(expected), TableFileName(db.dbname, anyKey(expected)))
	}

	sortUint64s(logs)
	var maxSequence keys.SequenceNumber
	for i, number := range logs {
		sm, seq, rerr := db.recoverLogFile(number, i == len(logs)-1, edit)
		if rerr != nil {
			return false, rerr
		}
		if sm {
			saveManifest = true
		}
		if seq > maxSequence {
			maxSequence = seq
		}
		// The allocator must never hand this number out again.
		db.versions.MarkFileNumberUsed(number)
	}
	if maxSequence > db.versions.LastSequence() {
		db.versions.SetLastSequence(maxSequence)
	}
	return saveManifest, nil
}

func anyKey(m map[uint64]bool) uint64 {
	for k := range m {
		return k
	}
	return 0
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

type logCorruptionReporter struct {
	logger   logging.Logger
	fname    string
	paranoid bool
	err      *error
}

func (r logCorruptionReporter) Corruption(bytes int, err error) {
	r.logger.Warn("log corruption",
		logging.String("file", r.fname),
		logging.Int("dropped_bytes", bytes),
		logging.Error(err))
	if r.paranoid && *r.err == nil {
		*r.err = err
	}
}

// recoverLogFile replays one write-ahead log into a memtable, dumping
// to level files whenever the write buffer fills.
func (db *DB) recoverLogFile(logNumber uint64, lastLog bool, edit *VersionEdit) (saveManifest bool, maxSequence keys.SequenceNumber, err error) {
	fname := LogFileName(db.dbname, logNumber)
	file, err := db.env.NewSequentialFile(fname)
	if err != nil {
		return false, 0, err
	}
	defer file.Close()

	var readErr error
	reporter := logCorruptionReporter{
		logger:   db.logger,
		fname:    fname,
		paranoid: db.opts.ParanoidChecks,
		err:      &readErr,
	}
	reader := wal.NewReader(file, reporter, true, 0)
	db.logger.Info("recovering log", logging.Uint64("log", logNumber))

	var mem *memtable.MemTable
	b := batch.New()
	compactions := 0
	for {
		record, ok := reader.ReadRecord()
		if !ok {
			break
		}
		if len(record) < 12 {
			reporter.Corruption(len(record), fmt.Errorf("log record too small"))
			continue
		}
		if err := b.SetContents(record); err != nil {
			return false, 0, err
		}
		if mem == nil {
			mem = memtable.New(db.icmp)
			mem.Ref()
		}
		if err := batch.InsertInto(b, mem); err != nil {
			return false, 0, err
		}
		lastSeq := b.Sequence() + keys.SequenceNumber(b.Count()) - 1
		if lastSeq > maxSequence {
			maxSequence = lastSeq
		}

		if mem.ApproximateMemoryUsage() > int64(db.opts.WriteBufferSize) {
			compactions++
			saveManifest = true
			if err := db.writeLevel0Table(mem, edit, nil); err != nil {
				return false, 0, err
			}
			mem.Unref()
			mem = nil
		}
	}
	if readErr != nil {
		return false, 0, readErr
	}

	if db.opts.ReuseLogs && lastLog && compactions == 0 {
		// Keep appending to the old log and keep its memtable live,
		// so reopening does not churn table files.
		size, serr := db.env.GetFileSize(fname)
		var appendFile env.WritableFile
		if serr == nil {
			appendFile, serr = db.env.NewAppendableFile(fname)
		}
		if serr == nil {
			db.logger.Info("reusing log", logging.Uint64("log", logNumber))
			db.logFile = appendFile
			db.logFileNumber = logNumber
			db.log = wal.NewWriterAtOffset(appendFile, size)
			if mem != nil {
				db.mem = mem
				mem = nil
			} else {
				db.mem = memtable.New(db.icmp)
				db.mem.Ref()
			}
		}
	}

	if mem != nil {
		saveManifest = true
		if err := db.writeLevel0Table(mem, edit, nil); err != nil {
			return false, 0, err
		}
		mem.Unref()
	}
	return saveManifest, maxSequence, nil
}

// writeLevel0Table dumps mem to a table file and records it in edit,
// placed as deep as the version allows when base is non-nil.
func (db *DB) writeLevel0Table(mem *memtable.MemTable, edit *VersionEdit, base *Version) error {
	startMicros := db.env.NowMicros()
	var meta FileMetaData
	meta.Number = db.versions.NewFileNumber()
	db.pendingOutputs[meta.Number] = true
	iter := mem.NewIterator()
	db.logger.Info("level-0 table started", logging.FileNumber(meta.Number))

	db.mu.Unlock()
	err := buildTable(db.dbname, &db.opts, db.tableCache, db.icmp, iter, &meta)
	db.mu.Lock()

	db.logger.Info("level-0 table built",
		logging.FileNumber(meta.Number),
		logging.Uint64("bytes", meta.FileSize),
		logging.Error(err))
	iter.Close()
	delete(db.pendingOutputs, meta.Number)

	level := 0
	if err == nil && meta.FileSize > 0 {
		if base != nil {
			level = base.PickLevelForMemTableOutput(keys.UserKey(meta.Smallest), keys.UserKey(meta.Largest))
		}
		edit.AddFile(level, meta.Number, meta.FileSize, meta.Smallest, meta.Largest)
	}

	db.stats[level].add(compactionStats{
		micros:       db.env.NowMicros() - startMicros,
		bytesWritten: int64(meta.FileSize),
	})
	db.metrics.RecordFlush()
	return err
}

// Get reads the most recent value of key visible to the read.
func (db *DB) Get(opts *ReadOptions, key []byte) ([]byte, error) {
	var ro ReadOptions
	if opts != nil {
		ro = *opts
	}

	db.mu.Lock()
	if db.shuttingDown.Load() {
		db.mu.Unlock()
		return nil, ErrClosed
	}
	seq := db.versions.LastSequence()
	if ro.Snapshot != nil {
		if ro.Snapshot.released {
			db.mu.Unlock()
			return nil, ErrSnapshotReleased
		}
		seq = ro.Snapshot.sequence
	}
	mem := db.mem
	imm := db.imm
	current := db.versions.Current()
	mem.Ref()
	if imm != nil {
		imm.Ref()
	}
	current.Ref()

	var value []byte
	var err error
	var stats GetStats
	haveStatUpdate := false
	{
		// The memtables and version outlive the lock; table reads must
		// not hold it.
		db.mu.Unlock()
		lkey := keys.NewLookupKey(key, seq)
		if v, found, deleted := mem.Get(lkey); found {
			if deleted {
				err = ErrNotFound
			} else {
				value = v
			}
		} else if imm != nil {
			if v, found, deleted := imm.Get(lkey); found {
				if deleted {
					err = ErrNotFound
				} else {
					value = v
				}
			} else {
				value, err = current.Get(lkey, &stats)
				haveStatUpdate = true
			}
		} else {
			value, err = current.Get(lkey, &stats)
			haveStatUpdate = true
		}
		db.mu.Lock()
	}

	if haveStatUpdate && current.UpdateStats(stats) {
		db.maybeScheduleCompaction()
	}
	mem.Unref()
	if imm != nil {
		imm.Unref()
	}
	current.Unref()
	db.mu.Unlock()

	if err != nil {
		db.metrics.RecordRead("miss")
		return nil, err
	}
	db.metrics.RecordRead("hit")
	return value, nil
}

// Put sets key to value.
func (db *DB) Put(opts *WriteOptions, key, value []byte) error {
	b := batch.New()
	b.Put(key, value)
	return db.Write(opts, b)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(opts *WriteOptions, key []byte) error {
	b := batch.New()
	b.Delete(key)
	return db.Write(opts, b)
}

// GetSnapshot pins the current state for later reads.
func (db *DB) GetSnapshot() *Snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := db.snapshots.add(db.versions.LastSequence())
	db.metrics.UpdateSnapshots(db.snapshots.count())
	return s
}

// ReleaseSnapshot lets the compactor reclaim state only the snapshot
// could see.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.snapshots.remove(s)
	db.metrics.UpdateSnapshots(db.snapshots.count())
}

// NewIterator iterates over the database contents visible to the read.
// The iterator must be closed before the database.
func (db *DB) NewIterator(opts *ReadOptions) iterator.Iterator {
	var ro ReadOptions
	if opts != nil {
		ro = *opts
	}
	internal, seq, seed := db.newInternalIterator(&ro)
	return newDBIterator(db, db.icmp.UserComparator(), internal, seq, seed)
}

// newInternalIterator merges the memtables and table files into one
// iterator over internal keys, pinning the state it reads.
func (db *DB) newInternalIterator(ro *ReadOptions) (iterator.Iterator, keys.SequenceNumber, uint32) {
	db.mu.Lock()
	seq := db.versions.LastSequence()
	if ro.Snapshot != nil {
		seq = ro.Snapshot.sequence
	}

	var iters []iterator.Iterator
	iters = append(iters, db.mem.NewIterator())
	db.mem.Ref()
	mem := db.mem
	imm := db.imm
	if imm != nil {
		iters = append(iters, imm.NewIterator())
		imm.Ref()
	}
	current := db.versions.Current()
	current.AddIterators(&iters)
	current.Ref()

	db.seed++
	seed := db.seed
	db.mu.Unlock()

	merged := iterator.NewMerging(db.icmp.Compare, iters...)
	return iterator.NewCleanup(merged, func() {
		db.mu.Lock()
		mem.Unref()
		if imm != nil {
			imm.Unref()
		}
		current.Unref()
		db.mu.Unlock()
	}), seq, seed
}

// recordReadSample feeds iterator sampling back into compaction
// scheduling.
func (db *DB) recordReadSample(internalKey []byte) {
	db.mu.Lock()
	if db.versions.Current().RecordReadSample(internalKey) {
		db.maybeScheduleCompaction()
	}
	db.mu.Unlock()
}

// GetProperty exposes engine state by name. Supported:
//
//	clusokv.num-files-at-level<N>
//	clusokv.stats
//	clusokv.sstables
//	clusokv.approximate-memory-usage
func (db *DB) GetProperty(property string) (string, bool) {
	name, ok := strings.CutPrefix(property, "clusokv.")
	if !ok {
		return "", false
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if rest, ok := strings.CutPrefix(name, "num-files-at-level"); ok {
		var level int
		if _, err := fmt.Sscanf(rest, "%d", &level); err != nil || level < 0 || level >= NumLevels {
			return "", false
		}
		return fmt.Sprintf("%d", db.versions.NumLevelFiles(level)), true
	}

	switch name {
	case "stats":
		s := "                               Compactions\n" +
			"Level  Files Size(MB) Time(sec) Read(MB) Write(MB)\n" +
			"--------------------------------------------------\n"
		for level := 0; level < NumLevels; level++ {
			files := db.versions.NumLevelFiles(level)
			if db.stats[level].micros == 0 && files == 0 {
				continue
			}
			s += fmt.Sprintf("%3d %8d %8.0f %9.0f %8.0f %9.0f\n",
				level, files,
				float64(db.versions.NumLevelBytes(level))/1048576.0,
				float64(db.stats[level].micros)/1e6,
				float64(db.stats[level].bytesRead)/1048576.0,
				float64(db.stats[level].bytesWritten)/1048576.0)
		}
		return s, true
	case "sstables":
		return db.versions.Current().DebugString(), true
	case "approximate-memory-usage":
		total := int64(db.opts.BlockCache.TotalCharge())
		if db.mem != nil {
			total += db.mem.ApproximateMemoryUsage()
		}
		if db.imm != nil {
			total += db.imm.ApproximateMemoryUsage()
		}
		return fmt.Sprintf("%d", total), true
	}
	return "", false
}

// Range bounds a span of user keys for size estimation.
type Range struct {
	Start []byte // included
	Limit []byte // excluded
}

// GetApproximateSizes estimates the on-disk bytes each range occupies.
// Memtable contents and uncompacted overheads are not counted.
func (db *DB) GetApproximateSizes(ranges []Range) []uint64 {
	db.mu.Lock()
	v := db.versions.Current()
	v.Ref()
	db.mu.Unlock()

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		start := keys.MakeInternalKey(r.Start, keys.MaxSequenceNumber, keys.TypeForSeek)
		limit := keys.MakeInternalKey(r.Limit, keys.MaxSequenceNumber, keys.TypeForSeek)
		startOffset := db.versions.ApproximateOffsetOf(v, start)
		limitOffset := db.versions.ApproximateOffsetOf(v, limit)
		if limitOffset > startOffset {
			sizes[i] = limitOffset - startOffset
		}
	}

	db.mu.Lock()
	v.Unref()
	db.mu.Unlock()
	return sizes
}

// Close neither dumps the memtable to a table nor syncs the log; it
// waits for background work, releases the lock file, and closes the
// log. Records already appended to the log are replayed by the next
// Open.
func (db *DB) Close() error {
	db.mu.Lock()
	db.shuttingDown.Store(true)
	for db.backgroundCompactionScheduled {
		db.bgWorkDone.Wait()
	}
	db.mu.Unlock()

	if db.dbLock != nil {
		db.dbLock.Release()
		db.dbLock = nil
	}

	db.versions = nil
	if db.mem != nil {
		db.mem.Unref()
		db.mem = nil
	}
	if db.imm != nil {
		db.imm.Unref()
		db.imm = nil
	}
	if db.log != nil {
		db.log = nil
	}
	if db.logFile != nil {
		db.logFile.Close()
		db.logFile = nil
	}
	if db.infoLog != nil {
		db.infoLog.Close()
		db.infoLog = nil
	}
	if db.ownsCache {
		db.opts.BlockCache.Prune()
	}
	return nil
}

// removeObsoleteFiles deletes every file the live state no longer
// references. Requires mu.
func (db *DB) removeObsoleteFiles() {
	if db.bgErr != nil {
		// Uncertain whether a new version was committed; keep
		// everything.
		return
	}

	live := make(map[uint64]bool, len(db.pendingOutputs))
	for n := range db.pendingOutputs {
		live[n] = true
	}
	db.versions.AddLiveFiles(live)

	children, err := db.env.GetChildren(db.dbname)
	if err != nil {
		return
	}
	var deleting []string
	for _, name := range children {
		number, ft, ok := ParseFileName(name)
		if !ok {
			continue
		}
		keep := true
		switch ft {
		case LogFile:
			keep = number >= db.versions.LogNumber() || number == db.versions.PrevLogNumber()
		case DescriptorFile:
			// Old manifests stay until the switch to the new one is
			// durable.
			keep = number >= db.versions.ManifestFileNumber()
		case TableFile, TempFile:
			keep = live[number]
		case CurrentFile, LockFile, InfoLogFile:
			keep = true
		}
		if keep {
			continue
		}
		if ft == TableFile {
			db.tableCache.Evict(number)
		}
		db.logger.Info("deleting obsolete file",
			logging.String("file", name),
			logging.Int("type", int(ft)))
		deleting = append(deleting, name)
	}

	// The files are unreferenced; deletion can proceed unlocked while
	// writes continue.
	db.mu.Unlock()
	for _, name := range deleting {
		db.env.RemoveFile(db.dbname + "/" + name)
	}
	db.mu.Lock()
}

func (db *DB) recordBackgroundError(err error) {
	if db.bgErr == nil {
		db.bgErr = err
		db.bgWorkDone.Broadcast()
	}
}

// DestroyDB removes the database directory and everything it owns.
// Non-database files in the directory are left alone.
func DestroyDB(dbname string, opts *Options) error {
	o := opts.withDefaults()
	e := o.Env
	children, err := e.GetChildren(dbname)
	if err != nil {
		// Missing directory counts as destroyed.
		return nil
	}

	lockName := LockFileName(dbname)
	lock, err := e.LockFile(lockName)
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range children {
		_, ft, ok := ParseFileName(name)
		if !ok || ft == LockFile {
			continue
		}
		if derr := e.RemoveFile(dbname + "/" + name); derr != nil && firstErr == nil {
			firstErr = derr
		}
	}
	lock.Release()
	e.RemoveFile(lockName)
	e.RemoveDir(dbname)
	return firstErr
}
