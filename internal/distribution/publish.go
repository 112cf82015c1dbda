package distribution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steveapo/oikion-realtime/internal/domain"
	apperrors "github.com/steveapo/oikion-realtime/internal/platform/errors"
)

type PropertyEventParams struct {
	Operation      domain.PropertyOperation      `json:"operation"`
	PropertyID     string                        `json:"propertyId"`
	OrganizationID string                        `json:"organizationId"`
	UpdatedBy      string                        `json:"updatedBy"`
	UpdatedFields  []string                      `json:"updatedFields,omitempty"`
	Changes        map[string]domain.FieldChange `json:"changes,omitempty"`
	Source         string                        `json:"source,omitempty"`
}

type MemberAction string

const (
	MemberJoin  MemberAction = "join"
	MemberLeave MemberAction = "leave"
)

type MemberEventParams struct {
	Action         MemberAction `json:"action"`
	OrganizationID string       `json:"organizationId"`
	UserID         string       `json:"userId"`
	Role           string       `json:"role,omitempty"`
	ActorID        string       `json:"actorId,omitempty"`
	Source         string       `json:"source,omitempty"`
}

type OrganizationEventParams struct {
	OrganizationID string                        `json:"organizationId"`
	UpdatedBy      string                        `json:"updatedBy"`
	UpdatedFields  []string                      `json:"updatedFields,omitempty"`
	Changes        map[string]domain.FieldChange `json:"changes,omitempty"`
	Source         string                        `json:"source,omitempty"`
}

type NotificationParams struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId,omitempty"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	Level          string `json:"level,omitempty"`
	Link           string `json:"link,omitempty"`
	Source         string `json:"source,omitempty"`
}

// SystemAlertParams without an OrganizationID produce a platform-wide alert.
type SystemAlertParams struct {
	OrganizationID string     `json:"organizationId,omitempty"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Source         string     `json:"source,omitempty"`
}

type DataSyncParams struct {
	OrganizationID string   `json:"organizationId"`
	Entity         string   `json:"entity"`
	EntityIDs      []string `json:"entityIds,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Source         string   `json:"source,omitempty"`
}

const (
	levelInfo = "info"

	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// PublishPropertyEvent publishes property.create, property.update or
// property.delete depending on params.Operation.
func (w *Worker) PublishPropertyEvent(ctx context.Context, params PropertyEventParams) (domain.RealtimeEvent, error) {
	eventType, err := params.Operation.EventType()
	if err != nil {
		return domain.RealtimeEvent{}, apperrors.ValidationError("operation must be create, update or delete").WithField("operation", params.Operation)
	}
	if err := requireFields(
		field{"propertyId", params.PropertyID},
		field{"organizationId", params.OrganizationID},
		field{"updatedBy", params.UpdatedBy},
	); err != nil {
		return domain.RealtimeEvent{}, err
	}

	return w.publishNew(ctx, eventType, params.Source, domain.PropertyPayload{
		Operation:      params.Operation,
		PropertyID:     params.PropertyID,
		OrganizationID: params.OrganizationID,
		UpdatedBy:      params.UpdatedBy,
		UpdatedFields:  params.UpdatedFields,
		Changes:        params.Changes,
	})
}

func (w *Worker) PublishMemberEvent(ctx context.Context, params MemberEventParams) (domain.RealtimeEvent, error) {
	var eventType domain.EventType
	switch params.Action {
	case MemberJoin:
		eventType = domain.EventMemberJoin
	case MemberLeave:
		eventType = domain.EventMemberLeave
	default:
		return domain.RealtimeEvent{}, apperrors.ValidationError("action must be join or leave").WithField("action", params.Action)
	}
	if err := requireFields(
		field{"organizationId", params.OrganizationID},
		field{"userId", params.UserID},
	); err != nil {
		return domain.RealtimeEvent{}, err
	}

	return w.publishNew(ctx, eventType, params.Source, domain.MemberPayload{
		OrganizationID: params.OrganizationID,
		UserID:         params.UserID,
		Role:           params.Role,
		ActorID:        params.ActorID,
	})
}

func (w *Worker) PublishOrganizationEvent(ctx context.Context, params OrganizationEventParams) (domain.RealtimeEvent, error) {
	if err := requireFields(
		field{"organizationId", params.OrganizationID},
		field{"updatedBy", params.UpdatedBy},
	); err != nil {
		return domain.RealtimeEvent{}, err
	}

	return w.publishNew(ctx, domain.EventOrganizationUpdate, params.Source, domain.OrganizationPayload{
		OrganizationID: params.OrganizationID,
		UpdatedBy:      params.UpdatedBy,
		UpdatedFields:  params.UpdatedFields,
		Changes:        params.Changes,
	})
}

func (w *Worker) PublishNotification(ctx context.Context, params NotificationParams) (domain.RealtimeEvent, error) {
	if err := requireFields(
		field{"userId", params.UserID},
		field{"title", params.Title},
		field{"message", params.Message},
	); err != nil {
		return domain.RealtimeEvent{}, err
	}
	level := params.Level
	if level == "" {
		level = levelInfo
	}

	return w.publishNew(ctx, domain.EventNotification, params.Source, domain.NotificationPayload{
		UserID:         params.UserID,
		OrganizationID: params.OrganizationID,
		Title:          params.Title,
		Message:        params.Message,
		Level:          level,
		Link:           params.Link,
	})
}

func (w *Worker) PublishSystemAlert(ctx context.Context, params SystemAlertParams) (domain.RealtimeEvent, error) {
	if err := requireFields(field{"message", params.Message}); err != nil {
		return domain.RealtimeEvent{}, err
	}
	severity := params.Severity
	switch severity {
	case "":
		severity = severityInfo
	case severityInfo, severityWarning, severityCritical:
	default:
		return domain.RealtimeEvent{}, apperrors.ValidationError("severity must be info, warning or critical").WithField("severity", severity)
	}

	return w.publishNew(ctx, domain.EventSystemAlert, params.Source, domain.SystemAlertPayload{
		OrganizationID: params.OrganizationID,
		Severity:       severity,
		Message:        params.Message,
		ExpiresAt:      params.ExpiresAt,
	})
}

func (w *Worker) PublishDataSync(ctx context.Context, params DataSyncParams) (domain.RealtimeEvent, error) {
	if err := requireFields(
		field{"organizationId", params.OrganizationID},
		field{"entity", params.Entity},
	); err != nil {
		return domain.RealtimeEvent{}, err
	}

	return w.publishNew(ctx, domain.EventDataSync, params.Source, domain.DataSyncPayload{
		OrganizationID: params.OrganizationID,
		Entity:         params.Entity,
		EntityIDs:      params.EntityIDs,
		Reason:         params.Reason,
	})
}

// publishNew stamps id, timestamp, source and version, then distributes.
func (w *Worker) publishNew(ctx context.Context, eventType domain.EventType, source string, payload domain.Payload) (domain.RealtimeEvent, error) {
	if source == "" {
		source = w.cfg.DefaultSource
	}
	event, err := domain.NewEvent(uuid.NewString(), eventType, w.clock.Now().UTC(), source, payload)
	if err != nil {
		return domain.RealtimeEvent{}, fmt.Errorf("build %s event: %w", eventType, err)
	}
	w.distribute(ctx, event)
	return event, nil
}

type field struct {
	name  string
	value string
}

func requireFields(fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return apperrors.ValidationError(f.name+" is required").WithField("field", f.name)
		}
	}
	return nil
}
