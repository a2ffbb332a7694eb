package mount

import (
	"sync"
	"time"
)

// readCacheKey identifies one cached byte range (spec §4.9 Read: "consult
// a read cache keyed by (fileId, contentHash, offset, len)").
type readCacheKey struct {
	fileID      string
	contentHash string
	offset      int64
	length      int
}

type readCacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// readCache holds small (≤64KiB) byte ranges with a 5-minute sliding
// expiry (spec §4.9 Read).
type readCache struct {
	mu      sync.Mutex
	entries map[readCacheKey]*readCacheEntry
	now     func() time.Time
}

func newReadCache() *readCache {
	return &readCache{
		entries: make(map[readCacheKey]*readCacheEntry),
		now:     time.Now,
	}
}

// Get returns a cached range and slides its expiry forward on hit.
func (c *readCache) Get(key readCacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	now := c.now()
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}

	e.expiresAt = now.Add(readCacheTTL)

	return e.data, true
}

// Put stores data under key if it fits the size cap; larger ranges are
// never cached (spec §4.9 Read: "if len ≤ 64 KiB").
func (c *readCache) Put(key readCacheKey, data []byte) {
	if len(data) > readCacheMaxLen {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &readCacheEntry{data: data, expiresAt: c.now().Add(readCacheTTL)}
}

// Invalidate drops every cached range for fileID, used after a write
// changes a file's content.
func (c *readCache) Invalidate(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.entries {
		if k.fileID == fileID {
			delete(c.entries, k)
		}
	}
}
