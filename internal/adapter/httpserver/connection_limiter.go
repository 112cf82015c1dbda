package httpserver

import (
	"sync/atomic"

	"github.com/labstack/echo/v4"
	apperrors "github.com/steveapo/oikion-realtime/internal/platform/errors"
)

// connectionLimiter caps concurrent push connections on this instance.
type connectionLimiter struct {
	current atomic.Int64
	max     int64
}

func newConnectionLimiter(max int64) *connectionLimiter {
	return &connectionLimiter{max: max}
}

func (l *connectionLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *connectionLimiter) release() {
	l.current.Add(-1)
}

func (l *connectionLimiter) inUse() int64 {
	return l.current.Load()
}

// limitConnections holds a slot for the lifetime of the wrapped handler.
func (s *Server) limitConnections(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.connections.acquire() {
			return apperrors.UnavailableError("connection limit reached", nil).
				WithField("max_connections", s.connections.max)
		}
		defer s.connections.release()
		return next(c)
	}
}
