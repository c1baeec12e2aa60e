package iterator

type direction int

const (
	forward direction = iota
	reverse
)

// mergingIterator merges n ordered children into one ordered stream.
// It tracks its scan direction so that mixing Next and Prev re-aligns
// the non-current children before moving.
type mergingIterator struct {
	compare  func(a, b []byte) int
	children []Iterator
	current  Iterator
	dir      direction
	err      error
}

// NewMerging returns an iterator over the union of children, ordered
// by compare. Children with duplicate keys are surfaced in child
// order, which callers exploit by listing newer sources first.
func NewMerging(compare func(a, b []byte) int, children ...Iterator) Iterator {
	switch len(children) {
	case 0:
		return NewEmpty(nil)
	case 1:
		return children[0]
	}
	return &mergingIterator{compare: compare, children: children}
}

func (m *mergingIterator) Valid() bool {
	return m.current != nil
}

func (m *mergingIterator) SeekToFirst() {
	for _, child := range m.children {
		child.SeekToFirst()
	}
	m.findSmallest()
	m.dir = forward
}

func (m *mergingIterator) SeekToLast() {
	for _, child := range m.children {
		child.SeekToLast()
	}
	m.findLargest()
	m.dir = reverse
}

func (m *mergingIterator) Seek(target []byte) {
	for _, child := range m.children {
		child.Seek(target)
	}
	m.findSmallest()
	m.dir = forward
}

func (m *mergingIterator) Next() {
	// After a reverse scan the other children sit at entries < Key().
	// Reposition them at the first entry > Key() before advancing.
	if m.dir != forward {
		key := append([]byte(nil), m.current.Key()...)
		for _, child := range m.children {
			if child == m.current {
				continue
			}
			child.Seek(key)
			if child.Valid() && m.compare(key, child.Key()) == 0 {
				child.Next()
			}
		}
		m.dir = forward
	}
	m.current.Next()
	m.findSmallest()
}

func (m *mergingIterator) Prev() {
	// Mirror of Next: park the other children just before Key().
	if m.dir != reverse {
		key := append([]byte(nil), m.current.Key()...)
		for _, child := range m.children {
			if child == m.current {
				continue
			}
			child.Seek(key)
			if child.Valid() {
				child.Prev()
			} else {
				child.SeekToLast()
			}
		}
		m.dir = reverse
	}
	m.current.Prev()
	m.findLargest()
}

func (m *mergingIterator) Key() []byte {
	return m.current.Key()
}

func (m *mergingIterator) Value() []byte {
	return m.current.Value()
}

func (m *mergingIterator) Err() error {
	if m.err != nil {
		return m.err
	}
	for _, child := range m.children {
		if err := child.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergingIterator) Close() error {
	var first error
	for _, child := range m.children {
		if err := child.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *mergingIterator) findSmallest() {
	var smallest Iterator
	for _, child := range m.children {
		if !child.Valid() {
			continue
		}
		if smallest == nil || m.compare(child.Key(), smallest.Key()) < 0 {
			smallest = child
		}
	}
	m.current = smallest
}

func (m *mergingIterator) findLargest() {
	var largest Iterator
	for i := len(m.children) - 1; i >= 0; i-- {
		child := m.children[i]
		if !child.Valid() {
			continue
		}
		if largest == nil || m.compare(child.Key(), largest.Key()) > 0 {
			largest = child
		}
	}
	m.current = largest
}
