// Package cache defines the port interface for key-value caching with TTL.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for byte-value caching. Implementations are
// safe for concurrent use; a miss is (nil, false, nil), never an error.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
