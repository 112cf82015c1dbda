package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the discriminant of a RealtimeEvent. It determines the
// concrete Payload type.
type EventType string

const (
	EventPropertyCreate     EventType = "property.create"
	EventPropertyUpdate     EventType = "property.update"
	EventPropertyDelete     EventType = "property.delete"
	EventMemberJoin         EventType = "member.join"
	EventMemberLeave        EventType = "member.leave"
	EventOrganizationUpdate EventType = "organization.update"
	EventNotification       EventType = "notification"
	EventSystemAlert        EventType = "system.alert"
	EventDataSync           EventType = "data.sync"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventPropertyCreate,
	EventPropertyUpdate,
	EventPropertyDelete,
	EventMemberJoin,
	EventMemberLeave,
	EventOrganizationUpdate,
	EventNotification,
	EventSystemAlert,
	EventDataSync,
}

// EventVersion is stamped on every event produced by this service.
const EventVersion = 1

// RealtimeEvent is the envelope delivered to browser sessions.
type RealtimeEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Payload   Payload   `json:"payload"`
}

// NewEvent builds an event and rejects payloads that do not belong to the
// given type.
func NewEvent(id string, eventType EventType, timestamp time.Time, source string, payload Payload) (RealtimeEvent, error) {
	if err := checkPayload(eventType, payload); err != nil {
		return RealtimeEvent{}, err
	}
	return RealtimeEvent{
		ID:        id,
		Type:      eventType,
		Timestamp: timestamp,
		Source:    source,
		Version:   EventVersion,
		Payload:   payload,
	}, nil
}

// Validate reports whether the event's payload matches its type.
func (e RealtimeEvent) Validate() error {
	return checkPayload(e.Type, e.Payload)
}

// OrganizationID returns the organization the event is scoped to, if any.
func (e RealtimeEvent) OrganizationID() string {
	orgID, _ := RoutingKeys(e.Payload)
	return orgID
}

// UserID returns the user the event is scoped to, if any.
func (e RealtimeEvent) UserID() string {
	_, userID := RoutingKeys(e.Payload)
	return userID
}

func (e *RealtimeEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		Type      EventType       `json:"type"`
		Timestamp time.Time       `json:"timestamp"`
		Source    string          `json:"source"`
		Version   int             `json:"version"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}

	payload, err := decodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}

	*e = RealtimeEvent{
		ID:        raw.ID,
		Type:      raw.Type,
		Timestamp: raw.Timestamp,
		Source:    raw.Source,
		Version:   raw.Version,
		Payload:   payload,
	}
	return nil
}

func decodePayload(eventType EventType, data json.RawMessage) (Payload, error) {
	switch eventType {
	case EventPropertyCreate, EventPropertyUpdate, EventPropertyDelete:
		return decodeAs[PropertyPayload](eventType, data)
	case EventMemberJoin, EventMemberLeave:
		return decodeAs[MemberPayload](eventType, data)
	case EventOrganizationUpdate:
		return decodeAs[OrganizationPayload](eventType, data)
	case EventNotification:
		return decodeAs[NotificationPayload](eventType, data)
	case EventSystemAlert:
		return decodeAs[SystemAlertPayload](eventType, data)
	case EventDataSync:
		return decodeAs[DataSyncPayload](eventType, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
}

func decodeAs[T Payload](eventType EventType, data json.RawMessage) (Payload, error) {
	var payload T
	if len(data) == 0 || string(data) == "null" {
		return payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return payload, nil
}

func checkPayload(eventType EventType, payload Payload) error {
	var ok bool
	switch payload.(type) {
	case PropertyPayload:
		ok = eventType == EventPropertyCreate || eventType == EventPropertyUpdate || eventType == EventPropertyDelete
	case MemberPayload:
		ok = eventType == EventMemberJoin || eventType == EventMemberLeave
	case OrganizationPayload:
		ok = eventType == EventOrganizationUpdate
	case NotificationPayload:
		ok = eventType == EventNotification
	case SystemAlertPayload:
		ok = eventType == EventSystemAlert
	case DataSyncPayload:
		ok = eventType == EventDataSync
	}
	if !ok {
		return fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, eventType, payload)
	}
	return nil
}
