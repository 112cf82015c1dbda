package httpserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/steveapo/oikion-realtime/internal/domain"
	apperrors "github.com/steveapo/oikion-realtime/internal/platform/errors"
)

const (
	headerPublishToken = "X-Publish-Token"
	publishBodyLimit   = "64K"
)

type publishResponse struct {
	ID   string           `json:"id"`
	Type domain.EventType `json:"type"`
}

func (s *Server) registerPublishRoutes() {
	events := s.echo.Group("/api/events",
		newRateLimiter(s.config.PublishRateLimit, s.config.PublishRateBurst),
		s.requirePublishToken,
		middleware.BodyLimit(publishBodyLimit),
	)
	events.POST("", s.handlePublishEvent)
	events.POST("/property", publishHandler(s.hub.PublishPropertyEvent))
	events.POST("/member", publishHandler(s.hub.PublishMemberEvent))
	events.POST("/organization", publishHandler(s.hub.PublishOrganizationEvent))
	events.POST("/notification", publishHandler(s.hub.PublishNotification))
	events.POST("/alert", publishHandler(s.hub.PublishSystemAlert))
	events.POST("/sync", publishHandler(s.hub.PublishDataSync))
}

// requirePublishToken guards the publish API with the shared service token.
// With no token configured (development only) the API is open.
func (s *Server) requirePublishToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		want := s.config.PublishToken
		if want == "" {
			return next(c)
		}
		got := c.Request().Header.Get(headerPublishToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return apperrors.UnauthorizedError("invalid publish token")
		}
		return next(c)
	}
}

// publishHandler decodes the request body into P and hands it to publish.
func publishHandler[P any](publish func(context.Context, P) (domain.RealtimeEvent, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		var params P
		if err := c.Bind(&params); err != nil {
			return apperrors.ValidationError("invalid request body")
		}

		event, err := publish(c.Request().Context(), params)
		if err != nil {
			return err
		}
		return writeAccepted(c, event)
	}
}

// handlePublishEvent relays a fully formed event, for producers that build
// their own envelopes.
func (s *Server) handlePublishEvent(c echo.Context) error {
	var event domain.RealtimeEvent
	if err := c.Bind(&event); err != nil {
		return apperrors.ValidationError("invalid event")
	}
	if event.ID == "" {
		return apperrors.ValidationError("id is required").WithField("field", "id")
	}

	if err := s.hub.Publish(c.Request().Context(), event); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	return writeAccepted(c, event)
}

func writeAccepted(c echo.Context, event domain.RealtimeEvent) error {
	if err := c.JSON(http.StatusAccepted, publishResponse{ID: event.ID, Type: event.Type}); err != nil {
		return fmt.Errorf("failed to write publish response: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(c echo.Context) error {
	if err := c.JSON(http.StatusOK, s.hub.Status()); err != nil {
		return fmt.Errorf("failed to write status response: %w", err)
	}
	return nil
}
