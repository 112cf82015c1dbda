package domain

import (
	"fmt"
	"time"
)

// Payload is the type-specific body of a RealtimeEvent. The set of
// implementations is closed: only the payload types in this file satisfy it.
type Payload interface {
	isPayload()
}

type PropertyOperation string

const (
	PropertyCreate PropertyOperation = "create"
	PropertyUpdate PropertyOperation = "update"
	PropertyDelete PropertyOperation = "delete"
)

// EventType maps an operation to its property event type.
func (op PropertyOperation) EventType() (EventType, error) {
	switch op {
	case PropertyCreate:
		return EventPropertyCreate, nil
	case PropertyUpdate:
		return EventPropertyUpdate, nil
	case PropertyDelete:
		return EventPropertyDelete, nil
	default:
		return "", fmt.Errorf("unknown property operation %q", op)
	}
}

// FieldChange records the before/after value of a single field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

type PropertyPayload struct {
	Operation      PropertyOperation      `json:"operation"`
	PropertyID     string                 `json:"propertyId"`
	OrganizationID string                 `json:"organizationId"`
	UpdatedBy      string                 `json:"updatedBy"`
	UpdatedFields  []string               `json:"updatedFields,omitempty"`
	Changes        map[string]FieldChange `json:"changes,omitempty"`
}

type MemberPayload struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	Role           string `json:"role,omitempty"`
	ActorID        string `json:"actorId,omitempty"`
}

type OrganizationPayload struct {
	OrganizationID string                 `json:"organizationId"`
	UpdatedBy      string                 `json:"updatedBy"`
	UpdatedFields  []string               `json:"updatedFields,omitempty"`
	Changes        map[string]FieldChange `json:"changes,omitempty"`
}

type NotificationPayload struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId,omitempty"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	Level          string `json:"level,omitempty"`
	Link           string `json:"link,omitempty"`
}

// SystemAlertPayload without an OrganizationID is platform-wide and only
// reaches wildcard subscribers.
type SystemAlertPayload struct {
	OrganizationID string     `json:"organizationId,omitempty"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

type DataSyncPayload struct {
	OrganizationID string   `json:"organizationId"`
	Entity         string   `json:"entity"`
	EntityIDs      []string `json:"entityIds,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

func (PropertyPayload) isPayload()     {}
func (MemberPayload) isPayload()       {}
func (OrganizationPayload) isPayload() {}
func (NotificationPayload) isPayload() {}
func (SystemAlertPayload) isPayload()  {}
func (DataSyncPayload) isPayload()     {}

// RoutingKeys returns the organization and user a payload is scoped to.
// Either may be empty. Every payload type must be listed here.
func RoutingKeys(p Payload) (organizationID, userID string) {
	switch v := p.(type) {
	case nil:
		return "", ""
	case PropertyPayload:
		return v.OrganizationID, ""
	case MemberPayload:
		return v.OrganizationID, v.UserID
	case OrganizationPayload:
		return v.OrganizationID, ""
	case NotificationPayload:
		return v.OrganizationID, v.UserID
	case SystemAlertPayload:
		return v.OrganizationID, ""
	case DataSyncPayload:
		return v.OrganizationID, ""
	default:
		panic(fmt.Sprintf("domain: unhandled payload type %T", p))
	}
}
