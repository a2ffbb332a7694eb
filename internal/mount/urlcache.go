package mount

import (
	"sync"
	"time"
)

// urlCacheKey identifies one cached download URL (spec §4.9 Read:
// "Download URLs are themselves cached per (fileId, contentHash)").
type urlCacheKey struct {
	fileID      string
	contentHash string
}

type urlCacheEntry struct {
	url       string
	issuedAt  time.Time
	slidingTo time.Time
}

// urlCache holds presigned download URLs with both a sliding and an
// absolute expiry (spec §4.9 Read: "10-minute sliding / ~3h45m absolute
// expiry"); whichever fires first evicts the entry.
type urlCache struct {
	mu      sync.Mutex
	entries map[urlCacheKey]*urlCacheEntry
	now     func() time.Time
}

func newURLCache() *urlCache {
	return &urlCache{
		entries: make(map[urlCacheKey]*urlCacheEntry),
		now:     time.Now,
	}
}

// Get returns a cached URL and slides its expiry forward on hit, unless
// the absolute expiry has already passed.
func (c *urlCache) Get(key urlCacheKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}

	now := c.now()

	if now.After(e.issuedAt.Add(downloadURLAbsoluteTTL)) || now.After(e.slidingTo) {
		delete(c.entries, key)
		return "", false
	}

	e.slidingTo = now.Add(downloadURLSlidingTTL)

	return e.url, true
}

// Put stores url under key, starting both its sliding and absolute clocks.
func (c *urlCache) Put(key urlCacheKey, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &urlCacheEntry{
		url:       url,
		issuedAt:  now,
		slidingTo: now.Add(downloadURLSlidingTTL),
	}
}
