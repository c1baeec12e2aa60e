package lsm

import "github.com/dd0wney/cluso-kv/pkg/keys"

// Snapshot pins the database state at a sequence number. Obtain one
// from DB.GetSnapshot and release it with DB.ReleaseSnapshot.
type Snapshot struct {
	sequence keys.SequenceNumber
	prev     *Snapshot
	next     *Snapshot
	released bool
}

// snapshotList keeps live snapshots in acquisition order so the
// compactor can find the oldest pinned sequence.
type snapshotList struct {
	head Snapshot
	n    int
}

func newSnapshotList() *snapshotList {
	l := &snapshotList{}
	l.head.prev = &l.head
	l.head.next = &l.head
	return l
}

func (l *snapshotList) empty() bool { return l.head.next == &l.head }

func (l *snapshotList) oldest() *Snapshot { return l.head.next }

func (l *snapshotList) newest() *Snapshot { return l.head.prev }

func (l *snapshotList) add(seq keys.SequenceNumber) *Snapshot {
	s := &Snapshot{sequence: seq}
	s.next = &l.head
	s.prev = l.head.prev
	s.prev.next = s
	s.next.prev = s
	l.n++
	return s
}

func (l *snapshotList) remove(s *Snapshot) {
	if s.released {
		return
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.released = true
	l.n--
}

func (l *snapshotList) count() int { return l.n }
