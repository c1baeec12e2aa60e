package lsm

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dd0wney/cluso-kv/pkg/batch"
	"github.com/dd0wney/cluso-kv/pkg/env"
	"github.com/dd0wney/cluso-kv/pkg/filter"
	"github.com/dd0wney/cluso-kv/pkg/logging"
)

// testDB wires a database to an in-memory filesystem so tests are
// hermetic and can simulate crashes.
type testDB struct {
	t    *testing.T
	env  *env.MemEnv
	name string
	opts *Options
	db   *DB
}

func newTestDB(t *testing.T, opts *Options) *testDB {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.CreateIfMissing = true
	opts.Env = env.NewMem()

	h := &testDB{
		t:    t,
		env:  opts.Env.(*env.MemEnv),
		name: "/db",
		opts: opts,
	}
	h.open()
	t.Cleanup(func() {
		if h.db != nil {
			h.db.Close()
		}
	})
	return h
}

func (h *testDB) open() {
	h.t.Helper()
	db, err := Open(h.name, h.opts)
	if err != nil {
		h.t.Fatalf("Open failed: %v", err)
	}
	h.db = db
}

// reopen closes and reopens the database, exercising recovery.
func (h *testDB) reopen() {
	h.t.Helper()
	if err := h.db.Close(); err != nil {
		h.t.Fatalf("Close failed: %v", err)
	}
	h.open()
}

// crash drops unsynced writes and reopens, simulating a machine
// failure.
func (h *testDB) crash() {
	h.t.Helper()
	h.db.Close()
	h.env.DropUnsyncedWrites()
	h.open()
}

func (h *testDB) put(key, value string) {
	h.t.Helper()
	if err := h.db.Put(nil, []byte(key), []byte(value)); err != nil {
		h.t.Fatalf("Put(%q) failed: %v", key, err)
	}
}

func (h *testDB) putSync(key, value string) {
	h.t.Helper()
	if err := h.db.Put(&WriteOptions{Sync: true}, []byte(key), []byte(value)); err != nil {
		h.t.Fatalf("Put(%q) failed: %v", key, err)
	}
}

func (h *testDB) delete(key string) {
	h.t.Helper()
	if err := h.db.Delete(nil, []byte(key)); err != nil {
		h.t.Fatalf("Delete(%q) failed: %v", key, err)
	}
}

// get returns the value, or "NOT_FOUND".
func (h *testDB) get(key string) string {
	return h.getAt(key, nil)
}

func (h *testDB) getAt(key string, snap *Snapshot) string {
	h.t.Helper()
	value, err := h.db.Get(&ReadOptions{Snapshot: snap}, []byte(key))
	if errors.Is(err, ErrNotFound) {
		return "NOT_FOUND"
	}
	if err != nil {
		h.t.Fatalf("Get(%q) failed: %v", key, err)
	}
	return string(value)
}

func (h *testDB) check(key, want string) {
	h.t.Helper()
	if got := h.get(key); got != want {
		h.t.Errorf("Get(%q) = %q, want %q", key, got, want)
	}
}

// compactAll pushes everything in the memtable down to tables.
func (h *testDB) compactAll() {
	h.db.CompactRange(nil, nil)
}

func (h *testDB) totalTableFiles() int {
	total := 0
	for level := 0; level < NumLevels; level++ {
		total += h.numFilesAt(level)
	}
	return total
}

func (h *testDB) numFilesAt(level int) int {
	h.t.Helper()
	value, ok := h.db.GetProperty(fmt.Sprintf("clusokv.num-files-at-level%d", level))
	if !ok {
		h.t.Fatalf("num-files-at-level%d property missing", level)
	}
	var n int
	fmt.Sscanf(value, "%d", &n)
	return n
}

func TestOpenAndClose(t *testing.T) {
	h := newTestDB(t, nil)
	if err := h.db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	h.db = nil
}

func TestPutGetDelete(t *testing.T) {
	h := newTestDB(t, nil)
	h.check("foo", "NOT_FOUND")
	h.put("foo", "v1")
	h.check("foo", "v1")
	h.put("foo", "v2")
	h.check("foo", "v2")
	h.delete("foo")
	h.check("foo", "NOT_FOUND")
}

func TestEmptyValue(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("empty", "")
	h.check("empty", "")
}

func TestGetFromImmutableLayers(t *testing.T) {
	h := newTestDB(t, &Options{WriteBufferSize: 100000})
	h.put("foo", "v1")
	h.check("foo", "v1")

	// Push foo through a flush and read it back off disk.
	filler := strings.Repeat("x", 10000)
	for i := 0; i < 20; i++ {
		h.put(fmt.Sprintf("filler%03d", i), filler)
	}
	h.compactAll()
	h.check("foo", "v1")
	if h.totalTableFiles() == 0 {
		t.Error("expected table files after filling the write buffer")
	}
}

func TestGetPicksNewestLayer(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("k", "old")
	h.compactAll()
	h.put("k", "new")
	h.check("k", "new")
}

func TestDeleteShadowsTableValue(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("k", "v")
	h.compactAll()
	h.delete("k")
	h.check("k", "NOT_FOUND")
	h.compactAll()
	h.check("k", "NOT_FOUND")
}

func TestBatchIsAtomic(t *testing.T) {
	h := newTestDB(t, nil)
	b := batch.New()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("a"))
	b.Put([]byte("c"), []byte("3"))
	if err := h.db.Write(nil, b); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	h.check("a", "NOT_FOUND")
	h.check("b", "2")
	h.check("c", "3")
}

func TestReopenKeepsData(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("foo", "v1")
	h.put("baz", "v5")
	h.reopen()
	h.check("foo", "v1")
	h.check("baz", "v5")

	h.put("foo", "v2")
	h.reopen()
	h.check("foo", "v2")
	h.check("baz", "v5")
}

func TestReopenKeepsTables(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("foo", "v1")
	h.compactAll()
	h.put("bar", "v2")
	h.reopen()
	h.check("foo", "v1")
	h.check("bar", "v2")
}

func TestCrashKeepsSyncedWrites(t *testing.T) {
	h := newTestDB(t, nil)
	h.putSync("durable", "yes")
	h.crash()
	h.check("durable", "yes")
}

func TestCrashAfterFlushKeepsTables(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("foo", "v1")
	h.compactAll()
	h.crash()
	h.check("foo", "v1")
}

func TestSnapshotReads(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("k", "v1")
	s1 := h.db.GetSnapshot()
	h.put("k", "v2")
	s2 := h.db.GetSnapshot()
	h.delete("k")

	if got := h.getAt("k", s1); got != "v1" {
		t.Errorf("snapshot 1 read %q, want v1", got)
	}
	if got := h.getAt("k", s2); got != "v2" {
		t.Errorf("snapshot 2 read %q, want v2", got)
	}
	h.check("k", "NOT_FOUND")

	h.db.ReleaseSnapshot(s1)
	h.db.ReleaseSnapshot(s2)
}

func TestSnapshotSurvivesCompaction(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("k", "v1")
	s := h.db.GetSnapshot()
	h.put("k", "v2")
	h.compactAll()
	if got := h.getAt("k", s); got != "v1" {
		t.Errorf("snapshot read %q after compaction, want v1", got)
	}
	h.db.ReleaseSnapshot(s)
}

func TestReleasedSnapshotRejected(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("k", "v")
	s := h.db.GetSnapshot()
	h.db.ReleaseSnapshot(s)
	_, err := h.db.Get(&ReadOptions{Snapshot: s}, []byte("k"))
	if !errors.Is(err, ErrSnapshotReleased) {
		t.Errorf("Get with released snapshot = %v, want ErrSnapshotReleased", err)
	}
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	opts := &Options{Env: env.NewMem()}
	if _, err := Open("/nope", opts); err == nil {
		t.Fatal("expected error opening a missing database without CreateIfMissing")
	}
}

func TestOpenErrorIfExists(t *testing.T) {
	e := env.NewMem()
	db, err := Open("/db", &Options{Env: e, CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.Close()

	_, err = Open("/db", &Options{Env: e, CreateIfMissing: true, ErrorIfExists: true})
	if err == nil {
		t.Fatal("expected error reopening with ErrorIfExists")
	}
}

func TestSecondOpenIsLockedOut(t *testing.T) {
	e := env.NewMem()
	db, err := Open("/db", &Options{Env: e, CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	_, err = Open("/db", &Options{Env: e, CreateIfMissing: true})
	if !errors.Is(err, ErrReadOnly) {
		t.Errorf("second Open = %v, want ErrReadOnly", err)
	}
}

func TestBloomFilterReads(t *testing.T) {
	h := newTestDB(t, &Options{FilterPolicy: filter.NewBloomPolicy(10)})
	for i := 0; i < 200; i++ {
		h.put(fmt.Sprintf("key%03d", i), fmt.Sprintf("value%03d", i))
	}
	h.compactAll()
	for i := 0; i < 200; i++ {
		h.check(fmt.Sprintf("key%03d", i), fmt.Sprintf("value%03d", i))
	}
	h.check("missing", "NOT_FOUND")
}

func TestGetProperty(t *testing.T) {
	h := newTestDB(t, nil)
	h.put("k", "v")

	if _, ok := h.db.GetProperty("clusokv.stats"); !ok {
		t.Error("stats property missing")
	}
	if _, ok := h.db.GetProperty("clusokv.sstables"); !ok {
		t.Error("sstables property missing")
	}
	if _, ok := h.db.GetProperty("clusokv.approximate-memory-usage"); !ok {
		t.Error("approximate-memory-usage property missing")
	}
	if _, ok := h.db.GetProperty("clusokv.num-files-at-level0"); !ok {
		t.Error("num-files-at-level0 property missing")
	}
	if _, ok := h.db.GetProperty("clusokv.nope"); ok {
		t.Error("unknown property should not resolve")
	}
	if _, ok := h.db.GetProperty("other.stats"); ok {
		t.Error("foreign prefix should not resolve")
	}
}

func TestGetApproximateSizes(t *testing.T) {
	h := newTestDB(t, &Options{WriteBufferSize: 100000})
	value := strings.Repeat("v", 10000)
	for i := 0; i < 50; i++ {
		h.put(fmt.Sprintf("key%03d", i), value)
	}
	h.compactAll()

	sizes := h.db.GetApproximateSizes([]Range{
		{Start: []byte("key000"), Limit: []byte("key025")},
		{Start: []byte("zz"), Limit: []byte("zzz")},
	})
	if len(sizes) != 2 {
		t.Fatalf("got %d sizes, want 2", len(sizes))
	}
	if sizes[0] == 0 {
		t.Error("populated range reported zero size")
	}
	if sizes[1] != 0 {
		t.Errorf("empty range reported %d bytes", sizes[1])
	}
}

func TestDestroyDB(t *testing.T) {
	e := env.NewMem()
	db, err := Open("/db", &Options{Env: e, CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.Put(nil, []byte("k"), []byte("v"))
	db.Close()

	if err := DestroyDB("/db", &Options{Env: e}); err != nil {
		t.Fatalf("DestroyDB failed: %v", err)
	}
	if e.FileExists(CurrentFileName("/db")) {
		t.Error("CURRENT survived DestroyDB")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	e := env.NewMem()
	db, err := Open("/db", &Options{Env: e, CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.Close()
	if err := db.Put(nil, []byte("k"), []byte("v")); err == nil {
		t.Error("Put after Close should fail")
	}
}

func TestManyOverwrites(t *testing.T) {
	h := newTestDB(t, &Options{WriteBufferSize: 100000})
	for round := 0; round < 10; round++ {
		for i := 0; i < 100; i++ {
			h.put(fmt.Sprintf("key%02d", i), fmt.Sprintf("round%d-%d", round, i))
		}
	}
	h.compactAll()
	for i := 0; i < 100; i++ {
		h.check(fmt.Sprintf("key%02d", i), fmt.Sprintf("round9-%d", i))
	}
}

func TestInfoLogRotation(t *testing.T) {
	h := newTestDB(t, nil)

	logName := InfoLogFileName(h.name)
	if !h.env.FileExists(logName) {
		t.Fatal("LOG not created on open")
	}
	data, err := env.ReadFileToString(h.env, logName)
	if err != nil {
		t.Fatalf("read LOG: %v", err)
	}
	if !strings.Contains(data, `"level":"INFO"`) {
		t.Errorf("LOG is not JSON log lines:\n%s", data)
	}

	h.put("k", "v")
	h.reopen()
	if !h.env.FileExists(logName) {
		t.Error("LOG missing after reopen")
	}
	if !h.env.FileExists(OldInfoLogFileName(h.name)) {
		t.Error("LOG was not rotated to LOG.old on reopen")
	}
}

func TestCallerLoggerSuppressesInfoLog(t *testing.T) {
	h := newTestDB(t, &Options{Logger: logging.NewNopLogger()})
	if h.env.FileExists(InfoLogFileName(h.name)) {
		t.Error("LOG created despite a caller-supplied logger")
	}
}
