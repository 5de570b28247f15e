package entitlement

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheStats holds product age cache statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	value      string
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// CachedProductAges wraps a ProductAgeLookup with an LRU/TTL cache.
// Concurrent lookups for the same product share one remote call.
type CachedProductAges struct {
	next    ProductAgeLookup
	ttl     time.Duration
	maxSize int
	group   singleflight.Group

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

// NewCachedProductAges creates a cache in front of next
func NewCachedProductAges(next ProductAgeLookup, ttl time.Duration, maxSize int) *CachedProductAges {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &CachedProductAges{
		next:    next,
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*cacheEntry, maxSize),
	}
}

// ProductAge returns the cached age for productID, fetching it on a miss.
// Errors are not cached. A shared fetch is detached from the caller that
// started it; each caller stops waiting when its own ctx is done.
func (c *CachedProductAges) ProductAge(ctx context.Context, productID string) (string, error) {
	if v, ok := c.get(productID); ok {
		return v, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(productID, func() (interface{}, error) {
		age, err := c.next.ProductAge(fetchCtx, productID)
		if err != nil {
			return "", err
		}
		c.set(productID, age)
		return age, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops productID from the cache
func (c *CachedProductAges) Invalidate(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, productID)
}

func (c *CachedProductAges) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

func (c *CachedProductAges) get(productID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.entries[productID]
	if !ok || entry.isExpired(now) {
		c.misses++
		return "", false
	}
	entry.accessTime = now
	c.hits++
	return entry.value, true
}

func (c *CachedProductAges) set(productID, age string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[productID]; !exists && len(c.entries) >= c.maxSize {
		var oldestKey string
		var oldest *cacheEntry
		for key, entry := range c.entries {
			if oldest == nil || entry.accessTime.Before(oldest.accessTime) ||
				(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
				oldestKey, oldest = key, entry
			}
		}
		if oldest != nil {
			delete(c.entries, oldestKey)
			c.evictions++
		}
	}

	seq := c.sequence
	c.sequence++
	c.entries[productID] = &cacheEntry{
		value:      age,
		expiration: now.Add(c.ttl),
		accessTime: now,
		sequence:   seq,
	}
}
