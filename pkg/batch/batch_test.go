package batch

import (
	"fmt"
	"testing"

	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/memtable"
)

// printBatch replays a batch through a memtable and renders the stored
// entries in memtable order (user key ascending, newest version first)
// for comparison.
func printBatch(t *testing.T, b *Batch) string {
	t.Helper()
	cmp := keys.NewInternalKeyComparator(keys.BytewiseComparator)
	mem := memtable.New(cmp)
	defer mem.Unref()
	if err := InsertInto(b, mem); err != nil {
		return fmt.Sprintf("error: %v", err)
	}

	out := ""
	it := mem.NewIterator()
	defer it.Close()
	var count uint32
	for it.SeekToFirst(); it.Valid(); it.Next() {
		parsed, err := keys.ParseInternalKey(it.Key())
		if err != nil {
			t.Fatalf("ParseInternalKey: %v", err)
		}
		switch parsed.Type {
		case keys.TypeValue:
			out += fmt.Sprintf("Put(%s, %s)@%d", parsed.UserKey, it.Value(), parsed.Sequence)
		case keys.TypeDeletion:
			out += fmt.Sprintf("Delete(%s)@%d", parsed.UserKey, parsed.Sequence)
		}
		count++
	}
	if count != b.Count() {
		return fmt.Sprintf("count mismatch: header %d, replayed %d", b.Count(), count)
	}
	return out
}

func TestBatchEmpty(t *testing.T) {
	b := New()
	if got := printBatch(t, b); got != "" {
		t.Fatalf("empty batch replayed %q", got)
	}
	if b.Count() != 0 {
		t.Fatalf("Count = %d", b.Count())
	}
}

func TestBatchMultiple(t *testing.T) {
	b := New()
	b.Put([]byte("foo"), []byte("bar"))
	b.Delete([]byte("box"))
	b.Put([]byte("baz"), []byte("boo"))
	b.SetSequence(100)

	if b.Sequence() != 100 {
		t.Fatalf("Sequence = %d", b.Sequence())
	}
	if b.Count() != 3 {
		t.Fatalf("Count = %d", b.Count())
	}
	want := "Put(baz, boo)@102" + "Delete(box)@101" + "Put(foo, bar)@100"
	if got := printBatch(t, b); got != want {
		t.Fatalf("replayed %q, want %q", got, want)
	}
}

func TestBatchTruncatedContents(t *testing.T) {
	b := New()
	b.Put([]byte("foo"), []byte("bar"))
	b.SetSequence(100)

	contents := append([]byte(nil), b.Contents()...)
	// Drop the trailing value so replay runs short.
	truncated := New()
	if err := truncated.SetContents(contents[:len(contents)-1]); err != nil {
		t.Fatalf("SetContents: %v", err)
	}
	if got := printBatch(t, truncated); got == "Put(foo, bar)@100" {
		t.Fatal("truncated batch replayed cleanly")
	}
}

func TestBatchSetContentsTooSmall(t *testing.T) {
	b := New()
	if err := b.SetContents([]byte("short")); err == nil {
		t.Fatal("SetContents accepted a short payload")
	}
}

func TestBatchAppend(t *testing.T) {
	b1, b2 := New(), New()
	b1.SetSequence(200)
	b2.SetSequence(300)

	b1.Append(b2)
	if got := printBatch(t, b1); got != "" {
		t.Fatalf("append of empty changed contents: %q", got)
	}

	b2.Put([]byte("a"), []byte("va"))
	b1.Append(b2)
	want := "Put(a, va)@200"
	if got := printBatch(t, b1); got != want {
		t.Fatalf("replayed %q, want %q", got, want)
	}

	b2.Clear()
	b2.Put([]byte("b"), []byte("vb"))
	b1.Append(b2)
	want = "Put(a, va)@200" + "Put(b, vb)@201"
	if got := printBatch(t, b1); got != want {
		t.Fatalf("replayed %q, want %q", got, want)
	}

	b2.Delete([]byte("foo"))
	b1.Append(b2)
	if b1.Count() != 4 {
		t.Fatalf("Count = %d", b1.Count())
	}
	// Versions of the same key surface newest first.
	want = "Put(a, va)@200" + "Put(b, vb)@202" + "Put(b, vb)@201" + "Delete(foo)@203"
	if got := printBatch(t, b1); got != want {
		t.Fatalf("replayed %q, want %q", got, want)
	}
}

func TestBatchApproximateSize(t *testing.T) {
	b := New()
	empty := b.ApproximateSize()

	b.Put([]byte("foo"), []byte("bar"))
	onePut := b.ApproximateSize()
	if onePut <= empty {
		t.Fatal("size did not grow after Put")
	}

	b.Delete([]byte("box"))
	if b.ApproximateSize() <= onePut {
		t.Fatal("size did not grow after Delete")
	}
}

func TestBatchRoundTripThroughContents(t *testing.T) {
	b := New()
	b.SetSequence(7)
	b.Put([]byte("k1"), []byte("v1"))
	b.Delete([]byte("k2"))

	restored := New()
	if err := restored.SetContents(b.Contents()); err != nil {
		t.Fatalf("SetContents: %v", err)
	}
	if restored.Count() != 2 || restored.Sequence() != 7 {
		t.Fatalf("restored count=%d seq=%d", restored.Count(), restored.Sequence())
	}
	if got, want := printBatch(t, restored), printBatch(t, b); got != want {
		t.Fatalf("restored %q, original %q", got, want)
	}
}
