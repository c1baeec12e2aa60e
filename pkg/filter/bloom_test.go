package filter

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type bloomHarness struct {
	policy Policy
	keys   [][]byte
	filter []byte
}

func newBloomHarness() *bloomHarness {
	return &bloomHarness{policy: NewBloomPolicy(10)}
}

func (h *bloomHarness) add(key []byte) {
	h.keys = append(h.keys, key)
	h.filter = nil
}

func (h *bloomHarness) build() {
	if h.filter == nil {
		h.filter = h.policy.CreateFilter(h.keys, nil)
	}
}

func (h *bloomHarness) matches(key []byte) bool {
	h.build()
	return h.policy.KeyMayMatch(key, h.filter)
}

func (h *bloomHarness) falsePositiveRate() float64 {
	h.build()
	hits := 0
	for i := 0; i < 10000; i++ {
		if h.matches(intKey(i + 1000000000)) {
			hits++
		}
	}
	return float64(hits) / 10000
}

func intKey(i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return buf[:]
}

func TestBloomEmptyFilter(t *testing.T) {
	h := newBloomHarness()
	if h.matches([]byte("hello")) {
		t.Fatal("empty filter matched")
	}
	if h.matches([]byte("world")) {
		t.Fatal("empty filter matched")
	}
}

func TestBloomSmall(t *testing.T) {
	h := newBloomHarness()
	h.add([]byte("hello"))
	h.add([]byte("world"))
	if !h.matches([]byte("hello")) || !h.matches([]byte("world")) {
		t.Fatal("added key missing")
	}
	if h.matches([]byte("x")) {
		t.Fatal("false positive on tiny filter")
	}
	if h.matches([]byte("foo")) {
		t.Fatal("false positive on tiny filter")
	}
}

func TestBloomVaryingLengths(t *testing.T) {
	nextLength := func(n int) int {
		switch {
		case n < 10:
			return n + 1
		case n < 100:
			return n + 10
		case n < 1000:
			return n + 100
		default:
			return n + 1000
		}
	}

	mediocre, good := 0, 0
	for length := 1; length <= 10000; length = nextLength(length) {
		h := newBloomHarness()
		for i := 0; i < length; i++ {
			h.add(intKey(i))
		}
		h.build()

		if got, limit := len(h.filter), length*10/8+40; got > limit {
			t.Fatalf("length %d: filter size %d exceeds %d", length, got, limit)
		}
		for i := 0; i < length; i++ {
			if !h.matches(intKey(i)) {
				t.Fatalf("length %d: key %d missing", length, i)
			}
		}

		rate := h.falsePositiveRate()
		if rate > 0.02 {
			t.Fatalf("length %d: false positive rate %.2f%%", length, rate*100)
		}
		if rate > 0.0125 {
			mediocre++
		} else {
			good++
		}
	}
	if mediocre > good/5 {
		t.Fatalf("%d mediocre filters vs %d good", mediocre, good)
	}
}

func TestBloomProbeCountClamped(t *testing.T) {
	for _, bits := range []int{0, 1, 100} {
		p := NewBloomPolicy(bits).(*bloomPolicy)
		if p.k < 1 || p.k > 30 {
			t.Fatalf("bitsPerKey %d: k = %d", bits, p.k)
		}
	}
}

func TestBloomAppendsToExisting(t *testing.T) {
	p := NewBloomPolicy(10)
	prefix := []byte("prefix")
	out := p.CreateFilter([][]byte{[]byte("k")}, append([]byte(nil), prefix...))
	if string(out[:len(prefix)]) != "prefix" {
		t.Fatal("CreateFilter clobbered the destination prefix")
	}
	if !p.KeyMayMatch([]byte("k"), out[len(prefix):]) {
		t.Fatal("appended filter does not match its key")
	}
}

func TestBloomHashStability(t *testing.T) {
	// These values are baked into existing table files.
	cases := []struct {
		in   string
		want uint32
	}{
		{"", 0xbc9f1d34 ^ 0},
	}
	for _, c := range cases {
		if got := bloomHash([]byte(c.in)); got != c.want {
			t.Fatalf("bloomHash(%q) = %#x, want %#x", c.in, got, c.want)
		}
	}
	if bloomHash([]byte("a")) == bloomHash([]byte("b")) {
		t.Fatal("trivial collision")
	}
	for i := 0; i < 100; i++ {
		s := fmt.Sprintf("key-%d", i)
		if bloomHash([]byte(s)) != bloomHash([]byte(s)) {
			t.Fatal("hash not deterministic")
		}
	}
}

// TestBloomNoFalseNegatives verifies that every key added to a filter
// matches it, over randomly generated key sets.
func TestBloomNoFalseNegatives(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("added keys always match", prop.ForAll(
		func(raw [][]byte) bool {
			p := NewBloomPolicy(10)
			f := p.CreateFilter(raw, nil)
			for _, key := range raw {
				if !p.KeyMayMatch(key, f) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.TestingRun(t)
}
