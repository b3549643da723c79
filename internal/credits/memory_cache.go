package credits

import (
	"context"
	"time"

	"github.com/alphadose/haxmap"
)

type memoryEntry struct {
	entry     LimitEntry
	expiresAt time.Time
}

// MemoryCache is an in-process Cache used when no Redis address is
// configured, and by tests.
type MemoryCache struct {
	entries *haxmap.Map[string, memoryEntry]
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: haxmap.New[string, memoryEntry](), now: time.Now}
}

// WithClock replaces the time source. Only meant for tests.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (LimitEntry, bool, error) {
	item, ok := c.entries.Get(key)
	if !ok {
		return LimitEntry{}, false, nil
	}
	if !c.now().Before(item.expiresAt) {
		c.entries.Del(key)
		return LimitEntry{}, false, nil
	}
	return item.entry, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, entry LimitEntry, ttl time.Duration) error {
	c.entries.Set(key, memoryEntry{entry: entry, expiresAt: c.now().Add(ttl)})
	return nil
}

func (c *MemoryCache) Replace(_ context.Context, key string, entry LimitEntry) (bool, error) {
	item, ok := c.entries.Get(key)
	if !ok || !c.now().Before(item.expiresAt) {
		return false, nil
	}
	c.entries.Set(key, memoryEntry{entry: entry, expiresAt: item.expiresAt})
	return true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.entries.Del(key)
	return nil
}

// TTL reports the remaining lifetime of key, or zero when it is absent.
func (c *MemoryCache) TTL(key string) time.Duration {
	item, ok := c.entries.Get(key)
	if !ok {
		return 0
	}
	remaining := item.expiresAt.Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
