// Package cache memoizes finite cache-server queries behind a byte-oriented
// backend (in-process or Redis).
package cache

import (
	"context"
	"time"
)

// Backend stores opaque values with a TTL.
type Backend interface {
	// Get returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	Close() error
}
