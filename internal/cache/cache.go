package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store is a TTL key/value store for upstream reads
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Purger is implemented by stores that hold expired entries in memory
type Purger interface {
	Purge() int
}

var ErrCacheMiss = errors.New("cache miss")

// Key builds a cache key from an operation name and its parameters
func Key(op string, params ...string) string {
	if len(params) == 0 {
		return op
	}
	return op + ":" + strings.Join(params, ":")
}
