package lsm

import "errors"

var (
	// ErrNotFound reports that a key has no live value.
	ErrNotFound = errors.New("clusokv: not found")

	// ErrCorruption reports on-disk data that fails validation.
	ErrCorruption = errors.New("clusokv: corruption")

	// ErrReadOnly reports that Open could not take the database's LOCK
	// file, as when another opener holds it.
	ErrReadOnly = errors.New("clusokv: database is read-only")

	// ErrClosed reports use of a database after Close.
	ErrClosed = errors.New("clusokv: database closed")

	// ErrSnapshotReleased reports a read through a released snapshot.
	ErrSnapshotReleased = errors.New("clusokv: snapshot released")
)
