package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/steveapo/oikion-realtime/internal/broadcast"
	"github.com/steveapo/oikion-realtime/internal/platform/correlation"
)

const (
	defaultSweepInterval = 15 * time.Second
	defaultIdleTimeout   = 60 * time.Second
)

// Sweeper periodically evicts idle connections and sends keepalives to the
// rest. Dead transports surface as failed heartbeat writes and are evicted
// by the registry.
type Sweeper struct {
	registry    *broadcast.Registry
	clock       clockwork.Clock
	interval    time.Duration
	idleTimeout time.Duration
}

func NewSweeper(registry *broadcast.Registry, clock clockwork.Clock, interval, idleTimeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Sweeper{
		registry:    registry,
		clock:       clock,
		interval:    interval,
		idleTimeout: idleTimeout,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sweep(correlation.WithID(ctx, correlation.NewID()))
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	evicted := s.registry.CleanupStaleConnections(s.idleTimeout)
	alive := s.registry.SendHeartbeats()

	if evicted > 0 {
		slog.InfoContext(ctx, "Sweeper: evicted idle connections", "evicted", evicted, "alive", alive)
		return
	}
	slog.DebugContext(ctx, "Sweeper: heartbeats sent", "alive", alive)
}
