package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/steveapo/oikion-realtime/internal/adapter/metrics"
	"github.com/steveapo/oikion-realtime/internal/adapter/websocket"
	"github.com/steveapo/oikion-realtime/internal/app"
	"github.com/steveapo/oikion-realtime/internal/distribution"
	"github.com/steveapo/oikion-realtime/internal/domain"
	"github.com/steveapo/oikion-realtime/internal/platform/config"
)

type realtimeHub interface {
	PublishPropertyEvent(ctx context.Context, params distribution.PropertyEventParams) (domain.RealtimeEvent, error)
	PublishMemberEvent(ctx context.Context, params distribution.MemberEventParams) (domain.RealtimeEvent, error)
	PublishOrganizationEvent(ctx context.Context, params distribution.OrganizationEventParams) (domain.RealtimeEvent, error)
	PublishNotification(ctx context.Context, params distribution.NotificationParams) (domain.RealtimeEvent, error)
	PublishSystemAlert(ctx context.Context, params distribution.SystemAlertParams) (domain.RealtimeEvent, error)
	PublishDataSync(ctx context.Context, params distribution.DataSyncParams) (domain.RealtimeEvent, error)
	Publish(ctx context.Context, event domain.RealtimeEvent) error
	Status() app.HubStatus
}

type connectionRegistry interface {
	AddConnection(id string, transport domain.Transport, userID, organizationID, channelFilter string)
	RemoveConnection(id string)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	hub      realtimeHub
	registry connectionRegistry

	upgrader       *gorillaws.Upgrader
	connections    *connectionLimiter
	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler
	healthChecks   []HealthCheck
	startTime      time.Time

	// shutdown ends open streams; http.Server.Shutdown does not wait them out.
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewServer builds the HTTP surface. httpMetrics and metricsHandler may be nil.
func NewServer(cfg *config.Config, clock clockwork.Clock, hub realtimeHub, registry connectionRegistry, httpMetrics *metrics.HTTPMetrics, metricsHandler http.Handler, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		clock:          clock,
		hub:            hub,
		registry:       registry,
		upgrader:       websocket.NewUpgrader(cfg.AppURL, !cfg.IsProduction()),
		connections:    newConnectionLimiter(int64(cfg.MaxConnections)),
		httpMetrics:    httpMetrics,
		metricsHandler: metricsHandler,
		healthChecks:   healthChecks,
		startTime:      clock.Now(),
		shutdown:       make(chan struct{}),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown closes open streams, then drains regular requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
