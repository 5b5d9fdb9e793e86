package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/pkg/metrics"
)

// Guarded wraps a Store so that cache failures never fail the caller: a read
// error is a miss, a write error is dropped, and both are logged.
type Guarded struct {
	store   Store
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewGuarded wraps store; m may be nil
func NewGuarded(store Store, logger *logrus.Logger, m *metrics.Metrics) *Guarded {
	return &Guarded{store: store, logger: logger, metrics: m}
}

// GetJSON decodes the cached value for key into dest and reports a hit
func (g *Guarded) GetJSON(ctx context.Context, op, key string, dest any) bool {
	data, err := g.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			g.logger.WithError(err).WithField("cache_key", key).Warn("Cache read failed, treating as miss")
		}
		g.observe(op, "miss")
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		g.logger.WithError(err).WithField("cache_key", key).Warn("Cached value is corrupt, treating as miss")
		g.observe(op, "miss")
		return false
	}
	g.observe(op, "hit")
	return true
}

// SetJSON stores value under key for ttl
func (g *Guarded) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		g.logger.WithError(err).WithField("cache_key", key).Warn("Failed to encode cache value")
		return
	}
	if err := g.store.Set(ctx, key, data, ttl); err != nil {
		g.logger.WithError(err).WithField("cache_key", key).Warn("Cache write failed")
	}
}

// Invalidate removes key
func (g *Guarded) Invalidate(ctx context.Context, key string) {
	if err := g.store.Delete(ctx, key); err != nil {
		g.logger.WithError(err).WithField("cache_key", key).Warn("Cache invalidation failed")
	}
}

func (g *Guarded) observe(op, result string) {
	if g.metrics != nil {
		g.metrics.CacheLookups.WithLabelValues(op, result).Inc()
	}
}
