package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/steveapo/oikion-realtime/internal/broadcast"
	"github.com/steveapo/oikion-realtime/internal/distribution"
	"github.com/steveapo/oikion-realtime/internal/domain"
)

// HubStatus combines the worker lifecycle with connection counts.
type HubStatus struct {
	Initialized bool                `json:"initialized"`
	Worker      distribution.Status `json:"worker"`
	Connections broadcast.Stats     `json:"connections"`
}

// Hub is the process-wide entry point to realtime distribution. It owns the
// worker lifecycle and bridges organization channels to the connection
// registry. Construct one in main and share it.
type Hub struct {
	worker   *distribution.Worker
	registry *broadcast.Registry

	mu          sync.Mutex
	initialized bool
}

func NewHub(worker *distribution.Worker, registry *broadcast.Registry) *Hub {
	return &Hub{worker: worker, registry: registry}
}

// Initialize starts the worker once. Further calls return nil until Shutdown.
// A start failure is returned and leaves the hub uninitialised. Stopping the
// worker drops every subscription, so organizations that kept connections
// across a Shutdown are bridged again here.
func (h *Hub) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.initialized {
		slog.DebugContext(ctx, "Realtime hub already initialized")
		return nil
	}
	if err := h.worker.Start(ctx); err != nil {
		return err
	}
	h.registry.ForEachOrganization(h.OnOrganizationActive)
	h.initialized = true
	return nil
}

// Shutdown stops the worker if Initialize succeeded earlier.
func (h *Hub) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return nil
	}
	h.initialized = false
	return h.worker.Stop()
}

func (h *Hub) SubscribeToOrganizationEvents(organizationID string, callback distribution.Callback) error {
	return h.worker.Subscribe(domain.OrganizationChannel(organizationID), callback)
}

func (h *Hub) UnsubscribeFromOrganizationEvents(organizationID string) {
	h.worker.Unsubscribe(domain.OrganizationChannel(organizationID))
}

// OnOrganizationActive bridges the organization's channel to its
// connections. The registry calls it for an organization's first connection.
func (h *Hub) OnOrganizationActive(organizationID string) {
	err := h.SubscribeToOrganizationEvents(organizationID, func(event domain.RealtimeEvent) error {
		h.registry.BroadcastToOrganization(organizationID, event)
		return nil
	})
	if err != nil {
		slog.Error("Failed to bridge organization channel", "organization_id", organizationID, "error", err)
		return
	}
	slog.Debug("Organization channel bridged", "organization_id", organizationID)
}

// OnOrganizationEmpty drops the bridge once the last connection is gone.
func (h *Hub) OnOrganizationEmpty(organizationID string) {
	h.UnsubscribeFromOrganizationEvents(organizationID)
	slog.Debug("Organization channel released", "organization_id", organizationID)
}

// The Publish* methods return once the event has been handed to every
// matching subscriber. Delivery failures are logged by the worker and the
// registry, never returned; only invalid parameters produce an error.

func (h *Hub) PublishPropertyEvent(ctx context.Context, params distribution.PropertyEventParams) (domain.RealtimeEvent, error) {
	return h.worker.PublishPropertyEvent(ctx, params)
}

func (h *Hub) PublishMemberEvent(ctx context.Context, params distribution.MemberEventParams) (domain.RealtimeEvent, error) {
	return h.worker.PublishMemberEvent(ctx, params)
}

func (h *Hub) PublishOrganizationEvent(ctx context.Context, params distribution.OrganizationEventParams) (domain.RealtimeEvent, error) {
	return h.worker.PublishOrganizationEvent(ctx, params)
}

// PublishNotification routes by organization like every other event: the
// notification reaches all of the organization's connections, not only the
// named user's. Do not rely on it for private content.
func (h *Hub) PublishNotification(ctx context.Context, params distribution.NotificationParams) (domain.RealtimeEvent, error) {
	return h.worker.PublishNotification(ctx, params)
}

func (h *Hub) PublishSystemAlert(ctx context.Context, params distribution.SystemAlertParams) (domain.RealtimeEvent, error) {
	return h.worker.PublishSystemAlert(ctx, params)
}

func (h *Hub) PublishDataSync(ctx context.Context, params distribution.DataSyncParams) (domain.RealtimeEvent, error) {
	return h.worker.PublishDataSync(ctx, params)
}

func (h *Hub) Publish(ctx context.Context, event domain.RealtimeEvent) error {
	return h.worker.Publish(ctx, event)
}

func (h *Hub) Status() HubStatus {
	h.mu.Lock()
	initialized := h.initialized
	h.mu.Unlock()

	return HubStatus{
		Initialized: initialized,
		Worker:      h.worker.Status(),
		Connections: h.registry.Stats(),
	}
}
