package wal

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dd0wney/cluso-kv/pkg/env"
)

type collectingReporter struct {
	dropped int
	message string
}

func (r *collectingReporter) Corruption(bytes int, err error) {
	r.dropped += bytes
	if r.message == "" {
		r.message = err.Error()
	}
}

// logHarness drives a writer and reader over one in-memory file.
type logHarness struct {
	t        *testing.T
	env      *env.MemEnv
	writer   *Writer
	reporter collectingReporter
	reader   *Reader
}

const harnessFile = "/log"

func newLogHarness(t *testing.T) *logHarness {
	t.Helper()
	e := env.NewMem()
	w, err := e.NewWritableFile(harnessFile)
	if err != nil {
		t.Fatalf("NewWritableFile: %v", err)
	}
	return &logHarness{t: t, env: e, writer: NewWriter(w)}
}

func (h *logHarness) write(record string) {
	h.t.Helper()
	if err := h.writer.AddRecord([]byte(record)); err != nil {
		h.t.Fatalf("AddRecord: %v", err)
	}
}

func (h *logHarness) read() string {
	h.t.Helper()
	if h.reader == nil {
		h.openReader(0)
	}
	rec, ok := h.reader.ReadRecord()
	if !ok {
		return "EOF"
	}
	return string(rec)
}

func (h *logHarness) openReader(initialOffset int64) {
	h.t.Helper()
	f, err := h.env.NewSequentialFile(harnessFile)
	if err != nil {
		h.t.Fatalf("NewSequentialFile: %v", err)
	}
	h.reader = NewReader(f, &h.reporter, true, initialOffset)
}

func (h *logHarness) writtenBytes() int64 {
	h.t.Helper()
	size, err := h.env.GetFileSize(harnessFile)
	if err != nil {
		h.t.Fatalf("GetFileSize: %v", err)
	}
	return size
}

// corrupt flips a byte at offset in the backing file.
func (h *logHarness) corrupt(offset int64) {
	h.t.Helper()
	data, err := env.ReadFileToString(h.env, harnessFile)
	if err != nil {
		h.t.Fatalf("read for corruption: %v", err)
	}
	raw := []byte(data)
	raw[offset] ^= 0xff
	if err := env.WriteStringToFileSync(h.env, string(raw), harnessFile); err != nil {
		h.t.Fatalf("write corrupted: %v", err)
	}
}

// truncate drops the last n bytes of the backing file.
func (h *logHarness) truncate(n int64) {
	h.t.Helper()
	data, err := env.ReadFileToString(h.env, harnessFile)
	if err != nil {
		h.t.Fatalf("read for truncation: %v", err)
	}
	if err := env.WriteStringToFileSync(h.env, data[:int64(len(data))-n], harnessFile); err != nil {
		h.t.Fatalf("write truncated: %v", err)
	}
}

func bigString(partial string, n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(partial)
	}
	return b.String()[:n]
}

func numberString(n int) string { return fmt.Sprintf("%d.", n) }

func TestLogEmpty(t *testing.T) {
	h := newLogHarness(t)
	if got := h.read(); got != "EOF" {
		t.Fatalf("empty log read %q", got)
	}
}

func TestLogReadWrite(t *testing.T) {
	h := newLogHarness(t)
	h.write("foo")
	h.write("bar")
	h.write("")
	h.write("xxxx")
	for _, want := range []string{"foo", "bar", "", "xxxx", "EOF", "EOF"} {
		if got := h.read(); got != want {
			t.Fatalf("read %q, want %q", got, want)
		}
	}
}

func TestLogManyBlocks(t *testing.T) {
	h := newLogHarness(t)
	const n = 100000
	for i := 0; i < n; i++ {
		h.write(numberString(i))
	}
	for i := 0; i < n; i++ {
		if got, want := h.read(), numberString(i); got != want {
			t.Fatalf("record %d: read %q, want %q", i, got, want)
		}
	}
	if h.read() != "EOF" {
		t.Fatal("expected EOF")
	}
}

func TestLogFragmentation(t *testing.T) {
	h := newLogHarness(t)
	h.write("small")
	h.write(bigString("medium", 50000))
	h.write(bigString("large", 100000))
	if got := h.read(); got != "small" {
		t.Fatalf("read %q", got)
	}
	if got := h.read(); got != bigString("medium", 50000) {
		t.Fatal("medium record mismatch")
	}
	if got := h.read(); got != bigString("large", 100000) {
		t.Fatal("large record mismatch")
	}
	if h.read() != "EOF" {
		t.Fatal("expected EOF")
	}
}

func TestLogMarginalTrailer(t *testing.T) {
	// Make a trailer exactly the size of a header, which an empty
	// record then fills.
	h := newLogHarness(t)
	n := BlockSize - 2*HeaderSize
	h.write(bigString("foo", n))
	if got := h.writtenBytes(); got != int64(BlockSize-HeaderSize) {
		t.Fatalf("written %d bytes", got)
	}
	h.write("")
	h.write("bar")
	if got := h.read(); got != bigString("foo", n) {
		t.Fatal("first record mismatch")
	}
	if got := h.read(); got != "" {
		t.Fatalf("read %q, want empty", got)
	}
	if got := h.read(); got != "bar" {
		t.Fatalf("read %q", got)
	}
	if h.read() != "EOF" {
		t.Fatal("expected EOF")
	}
}

func TestLogShortTrailer(t *testing.T) {
	h := newLogHarness(t)
	n := BlockSize - 2*HeaderSize + 4
	h.write(bigString("foo", n))
	if got := h.writtenBytes(); got != int64(BlockSize-HeaderSize+4) {
		t.Fatalf("written %d bytes", got)
	}
	h.write("")
	h.write("bar")
	if got := h.read(); got != bigString("foo", n) {
		t.Fatal("first record mismatch")
	}
	if got := h.read(); got != "" {
		t.Fatalf("read %q, want empty", got)
	}
	if got := h.read(); got != "bar" {
		t.Fatalf("read %q", got)
	}
	if h.read() != "EOF" {
		t.Fatal("expected EOF")
	}
}

func TestLogAlignedEof(t *testing.T) {
	h := newLogHarness(t)
	n := BlockSize - 2*HeaderSize + 4
	h.write(bigString("foo", n))
	if got := h.read(); got != bigString("foo", n) {
		t.Fatal("record mismatch")
	}
	if h.read() != "EOF" {
		t.Fatal("expected EOF")
	}
}

func TestLogChecksumMismatch(t *testing.T) {
	h := newLogHarness(t)
	h.write("foooooo")
	h.corrupt(0)
	if got := h.read(); got != "EOF" {
		t.Fatalf("read %q past corruption", got)
	}
	if h.reporter.dropped != HeaderSize+7 {
		t.Fatalf("dropped %d bytes", h.reporter.dropped)
	}
	if !strings.Contains(h.reporter.message, "checksum mismatch") {
		t.Fatalf("message %q", h.reporter.message)
	}
}

func TestLogTruncatedTrailingRecordIsIgnored(t *testing.T) {
	h := newLogHarness(t)
	h.write("foo")
	h.truncate(4) // drop the payload tail and part of the header
	if got := h.read(); got != "EOF" {
		t.Fatalf("read %q", got)
	}
	// A writer crash mid-record is not corruption.
	if h.reporter.dropped != 0 {
		t.Fatalf("dropped %d bytes", h.reporter.dropped)
	}
}

func TestLogBadRecordType(t *testing.T) {
	h := newLogHarness(t)
	h.write("foo")
	// The type byte is the last header byte. Corrupting it also breaks
	// the checksum, which is what the reader notices first.
	h.corrupt(6)
	if got := h.read(); got != "EOF" {
		t.Fatalf("read %q", got)
	}
	if h.reporter.dropped == 0 {
		t.Fatal("corruption not reported")
	}
}

func TestLogBadLength(t *testing.T) {
	h := newLogHarness(t)
	h.write("foo")
	// Follow with enough data that the oversized length is detectable
	// rather than mistaken for a writer crash at end of file.
	h.write(bigString("pad", 2*BlockSize))
	h.corrupt(4)
	h.corrupt(5)
	if got := h.read(); got != "EOF" {
		t.Fatalf("read %q", got)
	}
	if !strings.Contains(h.reporter.message, "bad record length") {
		t.Fatalf("message %q", h.reporter.message)
	}
}

func TestLogReopenForAppend(t *testing.T) {
	e := env.NewMem()
	w, err := e.NewWritableFile(harnessFile)
	if err != nil {
		t.Fatalf("NewWritableFile: %v", err)
	}
	first := NewWriter(w)
	if err := first.AddRecord([]byte("one")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	size, err := e.GetFileSize(harnessFile)
	if err != nil {
		t.Fatalf("GetFileSize: %v", err)
	}
	aw, err := e.NewAppendableFile(harnessFile)
	if err != nil {
		t.Fatalf("NewAppendableFile: %v", err)
	}
	second := NewWriterAtOffset(aw, size)
	if err := second.AddRecord([]byte("two")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := e.NewSequentialFile(harnessFile)
	if err != nil {
		t.Fatalf("NewSequentialFile: %v", err)
	}
	r := NewReader(f, nil, true, 0)
	for _, want := range []string{"one", "two"} {
		rec, ok := r.ReadRecord()
		if !ok || string(rec) != want {
			t.Fatalf("ReadRecord = (%q, %v), want %q", rec, ok, want)
		}
	}
	if _, ok := r.ReadRecord(); ok {
		t.Fatal("expected EOF")
	}
}

func TestLogInitialOffsetSkipsEarlierRecords(t *testing.T) {
	h := newLogHarness(t)
	h.write("alpha")
	h.write("beta")
	h.write("gamma")

	// Start just after the first record.
	h.openReader(int64(HeaderSize + len("alpha")))
	for _, want := range []string{"beta", "gamma", "EOF"} {
		if got := h.read(); got != want {
			t.Fatalf("read %q, want %q", got, want)
		}
	}
}

func TestLogInitialOffsetResyncsAcrossFragments(t *testing.T) {
	h := newLogHarness(t)
	big := bigString("span", 2*BlockSize)
	h.write(big)
	h.write("after")

	// An offset inside the spanning record lands on middle fragments,
	// which the reader must skip until the next record start.
	h.openReader(BlockSize)
	for _, want := range []string{"after", "EOF"} {
		if got := h.read(); got != want {
			t.Fatalf("read %q, want %q", got, want)
		}
	}
}

func TestLogLastRecordOffset(t *testing.T) {
	h := newLogHarness(t)
	h.write("alpha")
	h.write("beta")
	h.openReader(0)
	h.read()
	if off := h.reader.LastRecordOffset(); off != 0 {
		t.Fatalf("first record offset %d", off)
	}
	h.read()
	if off := h.reader.LastRecordOffset(); off != int64(HeaderSize+len("alpha")) {
		t.Fatalf("second record offset %d", off)
	}
}
