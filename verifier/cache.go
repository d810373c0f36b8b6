package verifier

import "sync"

// Cache memoises bytecode comparison outcomes keyed by the reference they were
// compared against and the raw bytecode string.
type Cache interface {
	Lookup(reference, code string) (matched bool, ok bool)
	Store(reference, code string, matched bool)
}

type cacheKey struct {
	reference string
	code      string
}

// MemoryCache is an append-only in-memory Cache safe for concurrent use. When
// MaxEntries is positive, new entries are dropped once the bound is reached;
// existing entries are never evicted.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[cacheKey]bool
	maxEntries int
}

// NewMemoryCache constructs a cache holding at most maxEntries results (0 = unbounded).
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &MemoryCache{entries: make(map[cacheKey]bool), maxEntries: maxEntries}
}

var sharedCache = NewMemoryCache(0)

// SharedCache returns the process-wide cache used when no cache is injected.
func SharedCache() *MemoryCache { return sharedCache }

// Lookup returns the cached outcome for code compared against reference.
func (c *MemoryCache) Lookup(reference, code string) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	matched, ok := c.entries[cacheKey{reference: normalizeHex(reference), code: code}]
	return matched, ok
}

// Store records the outcome for code compared against reference.
func (c *MemoryCache) Store(reference, code string, matched bool) {
	key := cacheKey{reference: normalizeHex(reference), code: code}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return
	}
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		return
	}
	c.entries[key] = matched
}

// Len reports the number of cached outcomes.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
