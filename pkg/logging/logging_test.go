package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLevelString(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, c := range cases {
		if got := c.level.String(); got != c.want {
			t.Errorf("Level(%d).String() = %q, want %q", c.level, got, c.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"DEBUG", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"ERROR", ErrorLevel},
		{" error ", ErrorLevel},
		{"bogus", InfoLevel},
		{"", InfoLevel},
	}
	for _, c := range cases {
		if got := ParseLevel(c.in); got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func decodeLine(t *testing.T, line []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return m
}

func TestJSONLoggerEntryShape(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, DebugLevel)
	l.Info("flush finished", FileNumber(7), Int("entries", 120))

	m := decodeLine(t, buf.Bytes())
	if m["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", m["level"])
	}
	if m["msg"] != "flush finished" {
		t.Errorf("msg = %v, want %q", m["msg"], "flush finished")
	}
	if m["time"] == "" || m["time"] == nil {
		t.Error("time field missing")
	}
	fields, ok := m["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields = %T, want object", m["fields"])
	}
	if fields["file"] != float64(7) {
		t.Errorf("fields[file] = %v, want 7", fields["file"])
	}
	if fields["entries"] != float64(120) {
		t.Errorf("fields[entries] = %v, want 120", fields["entries"])
	}
}

func TestJSONLoggerOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	NewJSONLogger(&buf, InfoLevel).Info("opening database")

	if strings.Contains(buf.String(), "\"fields\"") {
		t.Errorf("entry without fields should omit the fields key: %s", buf.String())
	}
}

func TestJSONLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, WarnLevel)

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept")

	lines := splitLines(buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("got %d entries, want 2: %s", len(lines), buf.String())
	}
	if m := decodeLine(t, lines[0]); m["level"] != "WARN" {
		t.Errorf("first entry level = %v, want WARN", m["level"])
	}
	if m := decodeLine(t, lines[1]); m["level"] != "ERROR" {
		t.Errorf("second entry level = %v, want ERROR", m["level"])
	}
}

func TestJSONLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, ErrorLevel)

	l.Info("dropped")
	l.SetLevel(DebugLevel)
	l.Debug("kept")

	lines := splitLines(buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("got %d entries, want 1", len(lines))
	}
	if m := decodeLine(t, lines[0]); m["msg"] != "kept" {
		t.Errorf("msg = %v, want kept", m["msg"])
	}
}

func TestJSONLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, InfoLevel)
	child := l.With(LevelNumber(2), String("phase", "start"))

	child.Info("compacting", String("phase", "pick"))

	m := decodeLine(t, buf.Bytes())
	fields := m["fields"].(map[string]any)
	if fields["level"] != float64(2) {
		t.Errorf("preset level = %v, want 2", fields["level"])
	}
	if fields["phase"] != "pick" {
		t.Errorf("call-site field should win: phase = %v, want pick", fields["phase"])
	}

	// The parent must not inherit the child's presets.
	buf.Reset()
	l.Info("independent")
	if strings.Contains(buf.String(), "\"fields\"") {
		t.Errorf("parent logger gained preset fields: %s", buf.String())
	}
}

// countingWriter records how many Write calls it receives.
type countingWriter struct {
	writes int
	buf    bytes.Buffer
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.buf.Write(p)
}

func TestJSONLoggerOneWritePerEntry(t *testing.T) {
	w := &countingWriter{}
	l := NewJSONLogger(w, InfoLevel)

	l.Info("first", Uint64("seq", 9))
	l.Error("second", Error(errors.New("bad block")))

	if w.writes != 2 {
		t.Errorf("got %d Write calls, want 2", w.writes)
	}
	for _, line := range splitLines(w.buf.Bytes()) {
		decodeLine(t, line)
	}
}

func TestFieldConstructors(t *testing.T) {
	cases := []struct {
		field Field
		key   string
		value any
	}{
		{String("name", "db"), "name", "db"},
		{Int("count", 3), "count", 3},
		{Int64("bytes", int64(1 << 40)), "bytes", int64(1 << 40)},
		{Uint64("seq", uint64(99)), "seq", uint64(99)},
		{Bool("sync", true), "sync", true},
		{Error(errors.New("torn write")), "error", "torn write"},
		{Error(nil), "error", nil},
		{FileNumber(12), "file", uint64(12)},
		{LevelNumber(3), "level", 3},
	}
	for _, c := range cases {
		if c.field.Key != c.key {
			t.Errorf("key = %q, want %q", c.field.Key, c.key)
		}
		if c.field.Value != c.value {
			t.Errorf("%s: value = %v, want %v", c.key, c.field.Value, c.value)
		}
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Debug("ignored")
	l.Info("ignored", Int("n", 1))
	l.Warn("ignored")
	l.Error("ignored", Error(errors.New("x")))
	if got := l.With(String("k", "v")); got != l {
		t.Errorf("With should return the same nop logger, got %T", got)
	}
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	for _, l := range bytes.Split(b, []byte("\n")) {
		if len(l) > 0 {
			lines = append(lines, l)
		}
	}
	return lines
}

func BenchmarkJSONLoggerInfo(b *testing.B) {
	l := NewJSONLogger(&bytes.Buffer{}, InfoLevel)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Info("write committed", Uint64("seq", uint64(i)), Int("batch", 16))
	}
}

func BenchmarkJSONLoggerFiltered(b *testing.B) {
	l := NewJSONLogger(&bytes.Buffer{}, ErrorLevel)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Debug("skipped", Int("i", i))
	}
}
