package table

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/dd0wney/cluso-kv/pkg/cache"
	"github.com/dd0wney/cluso-kv/pkg/compress"
	"github.com/dd0wney/cluso-kv/pkg/env"
	"github.com/dd0wney/cluso-kv/pkg/filter"
	"github.com/dd0wney/cluso-kv/pkg/keys"
)

const testTableFile = "/test.ldb"

// buildTable writes entries (sorted) into a MemEnv table and opens it.
func buildTable(t *testing.T, opts Options, entries map[string]string) (*Table, *env.MemEnv) {
	t.Helper()
	e := env.NewMem()
	f, err := e.NewWritableFile(testTableFile)
	if err != nil {
		t.Fatalf("NewWritableFile: %v", err)
	}
	b := NewBuilder(opts, f)

	sorted := make([]string, 0, len(entries))
	for k := range entries {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		b.Add([]byte(k), []byte(entries[k]))
	}
	if err := b.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	size, err := e.GetFileSize(testTableFile)
	if err != nil {
		t.Fatalf("GetFileSize: %v", err)
	}
	rf, err := e.NewRandomAccessFile(testTableFile)
	if err != nil {
		t.Fatalf("NewRandomAccessFile: %v", err)
	}
	tbl, err := Open(opts, rf, size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tbl, e
}

func sampleEntries(n int) map[string]string {
	entries := make(map[string]string, n)
	for i := 0; i < n; i++ {
		entries[fmt.Sprintf("key%05d", i)] = fmt.Sprintf("value-%d", i)
	}
	return entries
}

func TestBlockBuilderRoundTrip(t *testing.T) {
	b := newBlockBuilder(3)
	if !b.Empty() {
		t.Fatal("fresh builder not empty")
	}
	var want [][2]string
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("prefix/key%03d", i)
		v := fmt.Sprintf("v%d", i)
		b.Add([]byte(k), []byte(v))
		want = append(want, [2]string{k, v})
	}
	contents := append([]byte(nil), b.Finish()...)

	blk, err := newBlock(contents)
	if err != nil {
		t.Fatalf("newBlock: %v", err)
	}
	it := blk.newIterator(keys.BytewiseComparator)
	defer it.Close()

	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if string(it.Key()) != want[i][0] || string(it.Value()) != want[i][1] {
			t.Fatalf("entry %d = (%q, %q), want %v", i, it.Key(), it.Value(), want[i])
		}
		i++
	}
	if i != len(want) {
		t.Fatalf("iterated %d entries, want %d", i, len(want))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}

	// Seek to an exact key, a between key, and past the end.
	it.Seek([]byte("prefix/key025"))
	if !it.Valid() || string(it.Key()) != "prefix/key025" {
		t.Fatalf("Seek landed on %q", it.Key())
	}
	it.Seek([]byte("prefix/key025x"))
	if !it.Valid() || string(it.Key()) != "prefix/key026" {
		t.Fatalf("between Seek landed on %q", it.Key())
	}
	it.Seek([]byte("zzz"))
	if it.Valid() {
		t.Fatal("Seek past end still valid")
	}

	// Backward walk.
	it.SeekToLast()
	for i := len(want) - 1; i >= 0; i-- {
		if !it.Valid() || string(it.Key()) != want[i][0] {
			t.Fatalf("backward at %d: %q", i, it.Key())
		}
		it.Prev()
	}
	if it.Valid() {
		t.Fatal("Prev before first still valid")
	}
}

func TestBlockEmpty(t *testing.T) {
	b := newBlockBuilder(16)
	contents := append([]byte(nil), b.Finish()...)
	blk, err := newBlock(contents)
	if err != nil {
		t.Fatalf("newBlock: %v", err)
	}
	it := blk.newIterator(keys.BytewiseComparator)
	defer it.Close()
	it.SeekToFirst()
	if it.Valid() {
		t.Fatal("empty block iterator valid")
	}
	it.Seek([]byte("x"))
	if it.Valid() {
		t.Fatal("empty block Seek valid")
	}
}

func TestBlockHandleRoundTrip(t *testing.T) {
	h := BlockHandle{Offset: 1234567, Size: 89}
	enc := h.EncodeTo(nil)
	got, rest, err := DecodeBlockHandle(enc)
	if err != nil || got != h || len(rest) != 0 {
		t.Fatalf("DecodeBlockHandle = (%+v, %d rest, %v)", got, len(rest), err)
	}
	if _, _, err := DecodeBlockHandle([]byte{0x80}); err == nil {
		t.Fatal("truncated handle decoded")
	}
}

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{
		MetaindexHandle: BlockHandle{Offset: 100, Size: 50},
		IndexHandle:     BlockHandle{Offset: 200, Size: 60},
	}
	enc := f.EncodeTo(nil)
	if len(enc) != FooterSize {
		t.Fatalf("footer encodes to %d bytes", len(enc))
	}
	got, err := DecodeFooter(enc)
	if err != nil || got != f {
		t.Fatalf("DecodeFooter = (%+v, %v)", got, err)
	}

	enc[len(enc)-1] ^= 0xff
	if _, err := DecodeFooter(enc); err == nil {
		t.Fatal("bad magic accepted")
	}
}

// hashListPolicy stores exact key hashes, making filter block tests
// deterministic where a bloom filter would only be probabilistic.
type hashListPolicy struct{}

func (hashListPolicy) Name() string { return "TestHashListFilter" }

func (hashListPolicy) CreateFilter(keys [][]byte, dst []byte) []byte {
	for _, k := range keys {
		var sum uint32
		for _, c := range k {
			sum = sum*131 + uint32(c)
		}
		dst = append(dst, byte(sum), byte(sum>>8), byte(sum>>16), byte(sum>>24))
	}
	return dst
}

func (hashListPolicy) KeyMayMatch(key, f []byte) bool {
	var sum uint32
	for _, c := range key {
		sum = sum*131 + uint32(c)
	}
	for i := 0; i+4 <= len(f); i += 4 {
		got := uint32(f[i]) | uint32(f[i+1])<<8 | uint32(f[i+2])<<16 | uint32(f[i+3])<<24
		if got == sum {
			return true
		}
	}
	return false
}

func TestFilterBlockRoundTrip(t *testing.T) {
	policy := hashListPolicy{}
	b := newFilterBlockBuilder(policy)
	b.StartBlock(0)
	b.AddKey([]byte("foo"))
	b.AddKey([]byte("bar"))
	b.AddKey([]byte("box"))
	b.StartBlock(3000)
	b.AddKey([]byte("box2"))
	b.StartBlock(9000)
	b.AddKey([]byte("hello"))
	contents := b.Finish()

	// Range 0 covers offsets [0, 2048).
	if !r(policy, contents, 0, "foo") || !r(policy, contents, 2047, "bar") {
		t.Fatal("first-range key missing")
	}
	// Range 1 covers [2048, 4096), where only box2 was added.
	if !r(policy, contents, 3100, "box2") {
		t.Fatal("second-range key missing")
	}
	if r(policy, contents, 3100, "foo") {
		t.Fatal("foo leaked into the second range")
	}
	// Ranges 2 and 3 saw no blocks and match nothing.
	if r(policy, contents, 4100, "foo") || r(policy, contents, 6200, "box2") {
		t.Fatal("empty range matched")
	}
	// Range 4 holds hello.
	if !r(policy, contents, 9000, "hello") {
		t.Fatal("third-range key missing")
	}
	if r(policy, contents, 9000, "missing") {
		t.Fatal("absent key matched")
	}
}

func r(policy filter.Policy, contents []byte, offset uint64, key string) bool {
	return newFilterBlockReader(policy, contents).KeyMayMatch(offset, []byte(key))
}

func TestFilterBlockEmpty(t *testing.T) {
	policy := hashListPolicy{}
	b := newFilterBlockBuilder(policy)
	contents := b.Finish()
	reader := newFilterBlockReader(policy, contents)
	// A table with no filters errs toward matching.
	if !reader.KeyMayMatch(0, []byte("foo")) {
		t.Fatal("empty filter block rejected a key")
	}
}

func testTableScan(t *testing.T, opts Options) {
	t.Helper()
	entries := sampleEntries(2000)
	tbl, _ := buildTable(t, opts, entries)
	defer tbl.Close()

	it := tbl.NewIterator()
	defer it.Close()

	count := 0
	var last string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		k := string(it.Key())
		if count > 0 && k <= last {
			t.Fatalf("keys out of order: %q after %q", k, last)
		}
		if entries[k] != string(it.Value()) {
			t.Fatalf("value mismatch for %q", k)
		}
		last = k
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if count != len(entries) {
		t.Fatalf("scanned %d entries, want %d", count, len(entries))
	}

	it.Seek([]byte("key01000"))
	if !it.Valid() || string(it.Key()) != "key01000" {
		t.Fatalf("Seek landed on %q", it.Key())
	}

	it.SeekToLast()
	if !it.Valid() || string(it.Key()) != "key01999" {
		t.Fatalf("SeekToLast landed on %q", it.Key())
	}
	it.Prev()
	if !it.Valid() || string(it.Key()) != "key01998" {
		t.Fatalf("Prev landed on %q", it.Key())
	}
}

func TestTableScanUncompressed(t *testing.T) {
	testTableScan(t, Options{})
}

func TestTableScanSnappy(t *testing.T) {
	testTableScan(t, Options{Compression: compress.Snappy})
}

func TestTableScanZstd(t *testing.T) {
	testTableScan(t, Options{Compression: compress.Zstd})
}

func TestTableScanSmallBlocks(t *testing.T) {
	testTableScan(t, Options{BlockSize: 256, BlockRestartInterval: 4})
}

func TestTableScanWithFilterAndCache(t *testing.T) {
	testTableScan(t, Options{
		FilterPolicy: filter.NewBloomPolicy(10),
		BlockCache:   cache.New(64 * 1024),
		Compression:  compress.Snappy,
	})
}

func TestTableInternalGet(t *testing.T) {
	entries := sampleEntries(500)
	opts := Options{FilterPolicy: filter.NewBloomPolicy(10), BlockSize: 512}
	tbl, _ := buildTable(t, opts, entries)
	defer tbl.Close()

	var gotKey, gotValue []byte
	collect := func(k, v []byte) {
		gotKey = append(gotKey[:0], k...)
		gotValue = append(gotValue[:0], v...)
	}

	for _, probe := range []string{"key00000", "key00250", "key00499"} {
		gotKey, gotValue = nil, nil
		if err := tbl.InternalGet([]byte(probe), collect); err != nil {
			t.Fatalf("InternalGet(%s): %v", probe, err)
		}
		if string(gotKey) != probe || string(gotValue) != entries[probe] {
			t.Fatalf("InternalGet(%s) = (%q, %q)", probe, gotKey, gotValue)
		}
	}

	// A missing key lands on the successor or nothing; the caller is
	// responsible for comparing user keys.
	gotKey = nil
	if err := tbl.InternalGet([]byte("key00250a"), collect); err != nil {
		t.Fatalf("InternalGet: %v", err)
	}
	if len(gotKey) > 0 && string(gotKey) != "key00251" {
		t.Fatalf("miss probe surfaced %q", gotKey)
	}
}

func TestTableVerifyChecksumsCatchCorruption(t *testing.T) {
	entries := sampleEntries(100)
	opts := Options{VerifyChecksums: true}
	_, e := buildTable(t, opts, entries)

	data, err := env.ReadFileToString(e, testTableFile)
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	raw := []byte(data)
	raw[10] ^= 0xff // inside the first data block
	if err := env.WriteStringToFileSync(e, string(raw), testTableFile); err != nil {
		t.Fatalf("write corrupted: %v", err)
	}

	rf, err := e.NewRandomAccessFile(testTableFile)
	if err != nil {
		t.Fatalf("NewRandomAccessFile: %v", err)
	}
	size, _ := e.GetFileSize(testTableFile)
	tbl, err := Open(opts, rf, size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	it := tbl.NewIterator()
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
	}
	if it.Err() == nil {
		t.Fatal("corrupted block scanned cleanly")
	}
}

func TestTableOpenErrors(t *testing.T) {
	e := env.NewMem()
	if err := env.WriteStringToFileSync(e, "tiny", "/bad"); err != nil {
		t.Fatalf("write: %v", err)
	}
	rf, err := e.NewRandomAccessFile("/bad")
	if err != nil {
		t.Fatalf("NewRandomAccessFile: %v", err)
	}
	if _, err := Open(Options{}, rf, 4); err == nil {
		t.Fatal("opened a 4-byte file")
	}

	junk := bytes.Repeat([]byte{0xab}, 2*FooterSize)
	if err := env.WriteStringToFileSync(e, string(junk), "/junk"); err != nil {
		t.Fatalf("write: %v", err)
	}
	rf2, err := e.NewRandomAccessFile("/junk")
	if err != nil {
		t.Fatalf("NewRandomAccessFile: %v", err)
	}
	if _, err := Open(Options{}, rf2, int64(len(junk))); err == nil {
		t.Fatal("opened junk with no magic")
	}
}

func TestTableApproximateOffset(t *testing.T) {
	entries := sampleEntries(2000)
	tbl, _ := buildTable(t, Options{BlockSize: 512}, entries)
	defer tbl.Close()

	first := tbl.ApproximateOffsetOf([]byte("key00000"))
	mid := tbl.ApproximateOffsetOf([]byte("key01000"))
	last := tbl.ApproximateOffsetOf([]byte("zzz"))
	if !(first <= mid && mid < last) {
		t.Fatalf("offsets not monotonic: %d %d %d", first, mid, last)
	}
	if last == 0 {
		t.Fatal("offset past the end is zero")
	}
}

func TestBuilderRejectsOutOfOrder(t *testing.T) {
	e := env.NewMem()
	f, err := e.NewWritableFile("/t")
	if err != nil {
		t.Fatalf("NewWritableFile: %v", err)
	}
	b := NewBuilder(Options{}, f)
	b.Add([]byte("b"), []byte("1"))
	b.Add([]byte("a"), []byte("2"))
	if b.Err() == nil {
		t.Fatal("out-of-order Add accepted")
	}
}

func TestBlockSeekMonotonic(t *testing.T) {
	b := newBlockBuilder(4)
	var ks []string
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key%04d", i)
		b.Add([]byte(k), []byte("v"))
		ks = append(ks, k)
	}
	contents := append([]byte(nil), b.Finish()...)
	blk, err := newBlock(contents)
	if err != nil {
		t.Fatalf("newBlock: %v", err)
	}
	it := blk.newIterator(keys.BytewiseComparator)
	defer it.Close()

	// Increasing seeks continue from the current position.
	for _, i := range []int{0, 1, 17, 18, 60, 121, 199} {
		it.Seek([]byte(ks[i]))
		if !it.Valid() || string(it.Key()) != ks[i] {
			t.Fatalf("Seek(%q) landed on %q", ks[i], it.Key())
		}
	}

	// Re-seeking the current key stays put.
	it.Seek([]byte(ks[199]))
	if !it.Valid() || string(it.Key()) != ks[199] {
		t.Fatalf("repeated Seek landed on %q", it.Key())
	}

	// A backward seek restarts the search.
	it.Seek([]byte(ks[3]))
	if !it.Valid() || string(it.Key()) != ks[3] {
		t.Fatalf("backward Seek landed on %q", it.Key())
	}

	// Forward again after going backward, including between-key targets.
	it.Seek([]byte("key0007x"))
	if !it.Valid() || string(it.Key()) != "key0008" {
		t.Fatalf("between Seek landed on %q", it.Key())
	}
	it.Seek([]byte("zzz"))
	if it.Valid() {
		t.Fatal("Seek past end still valid")
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
}
