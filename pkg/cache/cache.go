// Package cache provides the sharded LRU cache behind table handles
// and data blocks. Entries are refcounted: a looked-up entry stays
// alive until every holder releases it, even if the LRU evicts it in
// the meantime.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Deleter frees an entry's value once the last reference drops.
type Deleter func(key string, value interface{})

// Handle pins a cache entry. Callers must Release every handle they
// obtain.
type Handle struct {
	key     string
	hash    uint64
	value   interface{}
	charge  int
	deleter Deleter

	refs int
	// inCache is true while the shard's table points at this entry.
	inCache bool

	prev, next *Handle
}

// Value returns the pinned entry's value.
func (h *Handle) Value() interface{} { return h.value }

const numShardBits = 4
const numShards = 1 << numShardBits

// Cache is a fixed-capacity LRU cache, sharded to cut lock contention.
type Cache struct {
	shards [numShards]lruShard
	lastID atomic.Uint64
}

// New returns a cache holding at most capacity units of charge.
func New(capacity int) *Cache {
	c := &Cache{}
	perShard := (capacity + numShards - 1) / numShards
	for i := range c.shards {
		c.shards[i].init(perShard)
	}
	return c
}

func shardFor(hash uint64) int {
	return int(hash >> (64 - numShardBits))
}

// Insert adds a value under key with the given charge, evicting least
// recently used entries as needed, and returns a pinned handle to it.
func (c *Cache) Insert(key string, value interface{}, charge int, deleter Deleter) *Handle {
	hash := xxhash.Sum64String(key)
	return c.shards[shardFor(hash)].insert(key, hash, value, charge, deleter)
}

// Lookup returns a pinned handle to key's entry, or nil.
func (c *Cache) Lookup(key string) *Handle {
	hash := xxhash.Sum64String(key)
	return c.shards[shardFor(hash)].lookup(key, hash)
}

// Release unpins a handle obtained from Insert or Lookup.
func (c *Cache) Release(h *Handle) {
	c.shards[shardFor(h.hash)].release(h)
}

// Erase removes key's entry. Holders of outstanding handles keep their
// pinned value.
func (c *Cache) Erase(key string) {
	hash := xxhash.Sum64String(key)
	c.shards[shardFor(hash)].erase(key, hash)
}

// Prune drops all unpinned entries.
func (c *Cache) Prune() {
	for i := range c.shards {
		c.shards[i].prune()
	}
}

// TotalCharge sums the charge of all resident entries.
func (c *Cache) TotalCharge() int {
	total := 0
	for i := range c.shards {
		total += c.shards[i].totalCharge()
	}
	return total
}

// NewID returns a process-unique value for partitioning a shared
// cache's key space between clients.
func (c *Cache) NewID() uint64 {
	return c.lastID.Add(1)
}

// lruShard is one lock's worth of cache. Entries live in the table and
// on exactly one of two circular lists: lru holds entries only the
// cache references, inUse holds entries with outstanding handles.
type lruShard struct {
	mu       sync.Mutex
	capacity int
	usage    int
	table    map[string]*Handle
	lru      Handle
	inUse    Handle
}

func (s *lruShard) init(capacity int) {
	s.capacity = capacity
	s.table = make(map[string]*Handle)
	s.lru.prev, s.lru.next = &s.lru, &s.lru
	s.inUse.prev, s.inUse.next = &s.inUse, &s.inUse
}

func listRemove(h *Handle) {
	h.prev.next = h.next
	h.next.prev = h.prev
}

func listAppend(list, h *Handle) {
	h.next = list
	h.prev = list.prev
	h.prev.next = h
	h.next.prev = h
}

// ref promotes an entry to the in-use list on its first outside
// reference.
func (s *lruShard) ref(h *Handle) {
	if h.refs == 1 && h.inCache {
		listRemove(h)
		listAppend(&s.inUse, h)
	}
	h.refs++
}

func (s *lruShard) unref(h *Handle) {
	h.refs--
	if h.refs == 0 {
		if h.deleter != nil {
			h.deleter(h.key, h.value)
		}
	} else if h.inCache && h.refs == 1 {
		// No outside references remain; make it evictable.
		listRemove(h)
		listAppend(&s.lru, h)
	}
}

// finishErase detaches h from the table accounting. Caller holds mu.
func (s *lruShard) finishErase(h *Handle) {
	if h == nil {
		return
	}
	listRemove(h)
	h.inCache = false
	s.usage -= h.charge
	s.unref(h)
}

func (s *lruShard) insert(key string, hash uint64, value interface{}, charge int, deleter Deleter) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &Handle{
		key:     key,
		hash:    hash,
		value:   value,
		charge:  charge,
		deleter: deleter,
		refs:    1, // for the caller
	}
	if s.capacity <= 0 {
		// Caching is off; the handle still pins the value.
		return h
	}
	h.refs++ // for the cache
	h.inCache = true
	listAppend(&s.inUse, h)
	s.usage += charge

	if old, ok := s.table[key]; ok {
		delete(s.table, key)
		s.finishErase(old)
	}
	s.table[key] = h

	for s.usage > s.capacity && s.lru.next != &s.lru {
		oldest := s.lru.next
		delete(s.table, oldest.key)
		s.finishErase(oldest)
	}
	return h
}

func (s *lruShard) lookup(key string, hash uint64) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.table[key]
	if !ok {
		return nil
	}
	s.ref(h)
	return h
}

func (s *lruShard) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unref(h)
}

func (s *lruShard) erase(key string, hash uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.table[key]; ok {
		delete(s.table, key)
		s.finishErase(h)
	}
}

func (s *lruShard) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.lru.next != &s.lru {
		h := s.lru.next
		delete(s.table, h.key)
		s.finishErase(h)
	}
}

func (s *lruShard) totalCharge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
