package dlp

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss is returned when no live entry exists for a digest.
var ErrCacheMiss = errors.New("scan cache miss")

// CacheStats is a point-in-time snapshot of cache activity.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
}

// Cache maps a content digest to a previous verdict. Entries carry the
// scanned content's byte size, counted against a byte budget with
// oldest-first eviction, and an optional TTL checked at lookup. A single
// mutex serializes all operations; cache work is cheap next to scanning.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	ttl      time.Duration

	entries  map[string]*list.Element
	lru      *list.List
	curBytes int64
	stats    CacheStats
}

type cacheEntry struct {
	digest   string
	result   *ScanResult
	storedAt time.Time
	size     int64
}

// NewCache creates a scan cache with the given byte budget. A zero ttl
// disables expiry.
func NewCache(maxBytes int64, ttl time.Duration) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached verdict for a digest. An expired entry is
// removed and reported as a miss.
func (c *Cache) Get(digest string) (*ScanResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[digest]
	if !ok {
		c.stats.Misses++
		return nil, ErrCacheMiss
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		c.removeLocked(elem)
		c.stats.Misses++
		return nil, ErrCacheMiss
	}
	c.lru.MoveToFront(elem)
	c.stats.Hits++

	// Hand back a copy so callers cannot mutate the cached verdict.
	res := *entry.result
	res.CacheHit = true
	return &res, nil
}

// Put stores a verdict keyed by digest. Blocked verdicts are never
// cached: policy or file identity may change between attempts.
func (c *Cache) Put(digest string, result *ScanResult) {
	if result == nil || result.Blocked || digest == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := result.Size
	if size <= 0 {
		size = 1
	}
	if size > c.maxBytes {
		// Larger than the whole budget; storing it would only evict
		// everything else.
		return
	}

	if elem, ok := c.entries[digest]; ok {
		c.removeLocked(elem)
	}

	stored := *result
	elem := c.lru.PushFront(&cacheEntry{
		digest:   digest,
		result:   &stored,
		storedAt: time.Now(),
		size:     size,
	})
	c.entries[digest] = elem
	c.curBytes += size

	for c.curBytes > c.maxBytes && c.lru.Len() > 1 {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.stats.Evictions++
	}
}

// Evict removes a digest outright, if present.
func (c *Cache) Evict(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[digest]; ok {
		c.removeLocked(elem)
		c.stats.Evictions++
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, entry.digest)
	c.curBytes -= entry.size
}

// Stats returns a snapshot with no side effects.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	s.Bytes = c.curBytes
	return s
}
