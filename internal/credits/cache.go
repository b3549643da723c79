package credits

import (
	"context"
	"time"
)

// Cache is the fast side of the ledger. Entries are keyed by session id (or
// by anonymous token) and expire after a fixed ttl.
type Cache interface {
	Get(ctx context.Context, key string) (LimitEntry, bool, error)
	Set(ctx context.Context, key string, entry LimitEntry, ttl time.Duration) error
	// Replace overwrites an existing entry without touching its expiry. It
	// reports false when the key is absent.
	Replace(ctx context.Context, key string, entry LimitEntry) (bool, error)
	// Delete drops key. A missing key is not an error.
	Delete(ctx context.Context, key string) error
}

func limitKey(id string) string {
	return "limit:" + id
}
