package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/steveapo/oikion-realtime/internal/adapter/websocket"
	"github.com/steveapo/oikion-realtime/internal/domain"
	apperrors "github.com/steveapo/oikion-realtime/internal/platform/errors"
)

const (
	headerUserID         = "X-User-ID"
	headerOrganizationID = "X-Organization-ID"
	contextKeySubscriber = "subscriber"
)

// streamPreamble tells EventSource clients how long to wait before reconnecting.
var streamPreamble = []byte("retry: 3000\n\n")

// subscriber is the identity the upstream proxy attached to a stream request.
type subscriber struct {
	userID         string
	organizationID string
	channel        string
}

func (s *Server) registerStreamRoutes() {
	s.echo.GET("/realtime/stream", s.handleStream, s.requireIdentity, s.limitConnections)
	s.echo.GET("/realtime/ws", s.handleWebSocket, s.requireIdentity, s.limitConnections)
}

// requireIdentity reads the authenticated user and organization set by the
// proxy in front of this service. An optional ?channel= is validated and
// recorded with the connection.
func (s *Server) requireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub := subscriber{
			userID:         c.Request().Header.Get(headerUserID),
			organizationID: c.Request().Header.Get(headerOrganizationID),
			channel:        c.QueryParam("channel"),
		}
		if sub.userID == "" || sub.organizationID == "" {
			return apperrors.UnauthorizedError("missing user or organization identity")
		}
		if sub.channel != "" {
			if _, err := domain.ParseChannel(sub.channel); err != nil {
				return apperrors.ValidationError("invalid channel").WithField("channel", sub.channel)
			}
		}

		c.Set(contextKeySubscriber, sub)
		return next(c)
	}
}

func (s *Server) handleStream(c echo.Context) error {
	sub := c.Get(contextKeySubscriber).(subscriber)
	ctx := c.Request().Context()

	res := c.Response()
	header := res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	if _, err := res.Write(streamPreamble); err != nil {
		slog.DebugContext(ctx, "Stream closed before preamble", "error", err)
		return nil
	}
	res.Flush()

	transport := newStreamTransport(s.config.ConnectionBuffer)
	defer transport.Evict()

	connectionID := uuid.NewString()
	s.registry.AddConnection(connectionID, transport, sub.userID, sub.organizationID, sub.channel)
	defer s.registry.RemoveConnection(connectionID)

	slog.InfoContext(ctx, "Stream opened", "connection_id", connectionID, "organization_id", sub.organizationID, "user_id", sub.userID)
	defer slog.InfoContext(ctx, "Stream closed", "connection_id", connectionID, "organization_id", sub.organizationID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdown:
			return nil
		case <-transport.Done():
			// Evicted by the registry. Ending the response makes the
			// EventSource reconnect with a fresh registration.
			slog.InfoContext(ctx, "Stream evicted", "connection_id", connectionID, "organization_id", sub.organizationID)
			return nil
		case frame := <-transport.frames:
			if _, err := res.Write(frame); err != nil {
				slog.DebugContext(ctx, "Stream write failed", "connection_id", connectionID, "error", err)
				return nil
			}
			res.Flush()
		}
	}
}

func (s *Server) handleWebSocket(c echo.Context) error {
	sub := c.Get(contextKeySubscriber).(subscriber)
	ctx := c.Request().Context()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.WarnContext(ctx, "WebSocket upgrade failed", "organization_id", sub.organizationID, "error", err)
		return nil
	}

	transport := websocket.NewTransport(conn, s.clock, s.config.ConnectionBuffer, s.config.IdleTimeout)
	connectionID := uuid.NewString()
	s.registry.AddConnection(connectionID, transport, sub.userID, sub.organizationID, sub.channel)
	slog.InfoContext(ctx, "WebSocket opened", "connection_id", connectionID, "organization_id", sub.organizationID, "user_id", sub.userID)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		transport.ReadLoop()
	}()

	reason := "closing"
	select {
	case <-readDone:
		reason = "client gone"
	case <-transport.Done():
		reason = "evicted"
	case <-s.shutdown:
		reason = "server shutting down"
	}

	s.registry.RemoveConnection(connectionID)
	transport.Close(reason)
	<-readDone

	slog.InfoContext(ctx, "WebSocket closed", "connection_id", connectionID, "organization_id", sub.organizationID, "reason", reason)
	return nil
}
