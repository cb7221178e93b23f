// Package readiness coordinates start-up between the migrate step and the
// server through a Redis key.
package readiness

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Defaults for the gate.
const (
	DefaultKey      = "kaswatch:core-ready"
	DefaultInterval = time.Second
)

// RedisGate waits for, or raises, the readiness key.
type RedisGate struct {
	client   redis.Cmdable
	key      string
	interval time.Duration
	logger   *zap.Logger
}

// Options configures a RedisGate.
type Options struct {
	Key      string        // Default: DefaultKey
	Interval time.Duration // Default: 1s - poll period
	Logger   *zap.Logger
}

// NewRedisGate creates a gate on client.
func NewRedisGate(client redis.Cmdable, opts Options) *RedisGate {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisGate{
		client:   client,
		key:      key,
		interval: interval,
		logger:   logger.Named("readiness"),
	}
}

// Wait polls until the key exists or ctx is done. Redis errors are logged and
// the poll continues.
func (g *RedisGate) Wait(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	waited := false
	for {
		n, err := g.client.Exists(ctx, g.key).Result()
		switch {
		case err != nil && ctx.Err() == nil:
			g.logger.Warn("readiness poll failed", zap.String("key", g.key), zap.Error(err))
		case n > 0:
			if waited {
				g.logger.Info("readiness signal received", zap.String("key", g.key))
			}
			return nil
		case !waited:
			g.logger.Info("waiting for readiness signal", zap.String("key", g.key))
		}
		waited = true

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Signal raises the key with no expiry.
func (g *RedisGate) Signal(ctx context.Context) error {
	if err := g.client.Set(ctx, g.key, time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("set readiness key %s: %w", g.key, err)
	}
	g.logger.Info("readiness signal raised", zap.String("key", g.key))
	return nil
}
