// Package kvstore is the TTL-scoped key-value store shared between the
// goroutine that requests a stop and the run's queue.
package kvstore

import (
	"context"
	"time"
)

// Store is a string key-value store with per-key expiry.
type Store interface {
	// Set writes value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
