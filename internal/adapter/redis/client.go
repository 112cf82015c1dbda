// Package redis connects the service to Redis and exposes a Redis pub/sub
// channel as a change source.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/steveapo/oikion-realtime/internal/adapter/metrics"
	"github.com/steveapo/oikion-realtime/internal/platform/retry"
)

const (
	pingAttempts   = 5
	pingBackoff    = 500 * time.Millisecond
	pingMaxBackoff = 5 * time.Second
)

// NewClient creates a client from a URL (e.g. "redis://localhost:6379") and
// waits until the server answers a ping. m may be nil.
func NewClient(ctx context.Context, redisURL string, clock clockwork.Clock, m *metrics.RedisMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	if m != nil {
		rdb.AddHook(NewMetricsHook(m, clock))
	}
	policy := retry.Policy{
		MaxAttempts:    pingAttempts,
		InitialBackoff: pingBackoff,
		MaxBackoff:     pingMaxBackoff,
		Clock:          clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Redis ping failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	err = retry.DoVoid(ctx, policy, retry.Always, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
