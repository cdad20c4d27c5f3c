// Package cache implements the bounded dedup caches called for by spec §9's
// redesign note ("mutable sets for processed event ids... rewrite as bounded
// LRU caches sized for the proposer's replay window; unbounded sets are a
// memory leak across long runs") and by the defense detector's spatial/
// temporal deduplication (§4.8).
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup reports whether key has been seen within ttl, and marks it seen if
// not. Backed by Redis SETNX semantics: the check and the set are one atomic
// round-trip, so two concurrent callers racing on the same key never both
// get "not seen".
type Dedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewDedup builds a Dedup keyed under prefix with entries expiring after ttl.
func NewDedup(client *redis.Client, prefix string, ttl time.Duration) *Dedup {
	return &Dedup{client: client, prefix: prefix, ttl: ttl}
}

// SeenOrMark returns true if key was already marked within the window
// (caller should skip processing); false if this call just marked it.
func (d *Dedup) SeenOrMark(ctx context.Context, key string) (bool, error) {
	full := d.prefix + ":" + key
	ok, err := d.client.SetNX(ctx, full, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: dedup check for %s: %w", full, err)
	}
	// SetNX returns true when the key was newly set (i.e. not seen before).
	return !ok, nil
}

// Forget removes key, e.g. so a test fixture can replay an event id.
func (d *Dedup) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+":"+key).Err()
}
