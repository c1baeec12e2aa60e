// Package filter builds the per-table filters that let reads skip
// tables that cannot contain a key.
package filter

// Policy creates filters from key sets and later answers membership
// queries against them. A policy's name is stored in table metadata;
// changing filter semantics requires a new name.
type Policy interface {
	Name() string

	// CreateFilter appends a filter covering keys to dst.
	CreateFilter(keys [][]byte, dst []byte) []byte

	// KeyMayMatch reports whether key may be in the set the filter was
	// built from. False positives are allowed, false negatives are not.
	KeyMayMatch(key, filter []byte) bool
}
