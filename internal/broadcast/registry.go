package broadcast

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/steveapo/oikion-realtime/internal/adapter/metrics"
	"github.com/steveapo/oikion-realtime/internal/domain"
)

// Removal reasons, used as metric labels and in logs.
const (
	reasonRemoved     = "removed"
	reasonReplaced    = "replaced"
	reasonWriteFailed = "write_failed"
	reasonStale       = "stale"
)

type connection struct {
	id             string
	transport      domain.Transport
	userID         string
	organizationID string
	channelFilter  string
	connectedAt    time.Time
	lastActivity   time.Time
	seq            uint64
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:             c.id,
		UserID:         c.userID,
		OrganizationID: c.organizationID,
		ChannelFilter:  c.channelFilter,
		ConnectedAt:    c.connectedAt,
		LastActivity:   c.lastActivity,
	}
}

// ConnectionInfo is a point-in-time copy of a connection's bookkeeping.
type ConnectionInfo struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId"`
	ChannelFilter  string    `json:"channelFilter,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivity   time.Time `json:"lastActivity"`
}

// Stats summarises the registry.
type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	Organizations    int            `json:"organizations"`
	ConnectionsByOrg map[string]int `json:"connectionsByOrg"`
}

// Registry tracks every open push connection and fans events out to the
// connections of one organization.
type Registry struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	metrics     *metrics.ConnectionMetrics
	connections map[string]*connection
	byOrg       map[string]map[string]struct{}
	nextSeq     uint64

	onOrganizationActive func(organizationID string)
	onOrganizationEmpty  func(organizationID string)
}

// NewRegistry creates an empty registry.
// onOrganizationActive is called when an organization gains its first connection.
// onOrganizationEmpty is called when its last connection is removed.
// Both run while the registry lock is held and must not call back into the registry.
func NewRegistry(clock clockwork.Clock, m *metrics.ConnectionMetrics, onOrganizationActive, onOrganizationEmpty func(organizationID string)) *Registry {
	return &Registry{
		clock:                clock,
		metrics:              m,
		connections:          make(map[string]*connection),
		byOrg:                make(map[string]map[string]struct{}),
		onOrganizationActive: onOrganizationActive,
		onOrganizationEmpty:  onOrganizationEmpty,
	}
}

// AddConnection registers a connection. Ids are supplied by the caller; a
// colliding id replaces the previous registration.
func (r *Registry) AddConnection(id string, transport domain.Transport, userID, organizationID, channelFilter string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.connections[id]; ok {
		slog.Warn("Connection id reused, replacing previous registration", "connection_id", id, "organization_id", existing.organizationID)
		r.detachLocked(existing, reasonReplaced)
	}

	now := r.clock.Now()
	r.nextSeq++
	c := &connection{
		id:             id,
		transport:      transport,
		userID:         userID,
		organizationID: organizationID,
		channelFilter:  channelFilter,
		connectedAt:    now,
		lastActivity:   now,
		seq:            r.nextSeq,
	}
	r.connections[id] = c

	ids, exists := r.byOrg[organizationID]
	if !exists {
		ids = make(map[string]struct{})
		r.byOrg[organizationID] = ids
	}
	ids[id] = struct{}{}

	r.recordGaugesLocked()
	slog.Debug("Connection registered", "connection_id", id, "organization_id", organizationID, "user_id", userID, "org_connections", len(ids))

	if !exists && r.onOrganizationActive != nil {
		r.onOrganizationActive(organizationID)
	}
}

// RemoveConnection unregisters a connection. Unknown ids are ignored.
func (r *Registry) RemoveConnection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[id]
	if !ok {
		slog.Debug("Remove of unknown connection ignored", "connection_id", id)
		return
	}
	r.detachLocked(c, reasonRemoved)
}

// BroadcastToOrganization writes event to every connection of the
// organization and returns how many writes succeeded. Connections whose
// write fails are evicted; the rest still receive the frame.
func (r *Registry) BroadcastToOrganization(organizationID string, event domain.RealtimeEvent) int {
	targets := r.snapshot(organizationID)
	if len(targets) == 0 {
		return 0
	}

	frame, err := domain.EncodeFrame(event)
	if err != nil {
		slog.Error("Failed to encode event frame", "event_id", event.ID, "event_type", event.Type, "error", err)
		return 0
	}

	delivered := 0
	for _, c := range targets {
		if r.write(c, frame) {
			delivered++
		}
	}

	slog.Debug("Event broadcast", "event_id", event.ID, "event_type", event.Type, "organization_id", organizationID, "delivered", delivered, "targets", len(targets))
	return delivered
}

// SendToConnection writes event to a single connection. It reports whether
// the write succeeded; unknown ids are logged and reported as false.
func (r *Registry) SendToConnection(id string, event domain.RealtimeEvent) bool {
	r.mu.Lock()
	c, ok := r.connections[id]
	r.mu.Unlock()

	if !ok {
		slog.Debug("Send to unknown connection", "connection_id", id, "event_id", event.ID)
		return false
	}

	frame, err := domain.EncodeFrame(event)
	if err != nil {
		slog.Error("Failed to encode event frame", "event_id", event.ID, "event_type", event.Type, "error", err)
		return false
	}
	return r.write(c, frame)
}

// SendHeartbeats writes a keepalive comment to every connection. Successful
// writes refresh LastActivity; failures evict. Returns the number of
// connections that accepted the heartbeat.
func (r *Registry) SendHeartbeats() int {
	r.mu.Lock()
	targets := make([]*connection, 0, len(r.connections))
	for _, c := range r.connections {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	alive := 0
	for _, c := range targets {
		if r.write(c, domain.HeartbeatFrame) {
			alive++
		}
	}
	return alive
}

// OrganizationConnections returns the organization's connections in
// registration order.
func (r *Registry) OrganizationConnections(organizationID string) []ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byOrg[organizationID]
	conns := make([]*connection, 0, len(ids))
	for id := range ids {
		conns = append(conns, r.connections[id])
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })

	infos := make([]ConnectionInfo, len(conns))
	for i, c := range conns {
		infos[i] = c.info()
	}
	return infos
}

// ForEachOrganization calls fn for every organization that has at least one
// connection. fn runs with the registry lock held, like the organization
// hooks, so no organization can gain or lose its last connection meanwhile.
func (r *Registry) ForEachOrganization(fn func(organizationID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for organizationID := range r.byOrg {
		fn(organizationID)
	}
}

// Stats returns connection counts overall and per organization.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	byOrg := make(map[string]int, len(r.byOrg))
	for organizationID, ids := range r.byOrg {
		byOrg[organizationID] = len(ids)
	}
	return Stats{
		TotalConnections: len(r.connections),
		Organizations:    len(r.byOrg),
		ConnectionsByOrg: byOrg,
	}
}

// CleanupStaleConnections evicts connections idle for longer than maxIdle
// and returns how many were evicted.
func (r *Registry) CleanupStaleConnections(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var stale []*connection
	for _, c := range r.connections {
		if now.Sub(c.lastActivity) > maxIdle {
			stale = append(stale, c)
		}
	}

	for _, c := range stale {
		slog.Info("Evicting stale connection", "connection_id", c.id, "organization_id", c.organizationID, "idle", now.Sub(c.lastActivity))
		r.detachLocked(c, reasonStale)
	}
	return len(stale)
}

func (r *Registry) snapshot(organizationID string) []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byOrg[organizationID]
	if len(ids) == 0 {
		return nil
	}
	targets := make([]*connection, 0, len(ids))
	for id := range ids {
		targets = append(targets, r.connections[id])
	}
	return targets
}

// write sends one frame outside the lock. On failure the connection is
// evicted unless it has already been removed or replaced.
func (r *Registry) write(c *connection, frame []byte) bool {
	if err := c.transport.Send(frame); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.connections[c.id] == c {
			slog.Warn("Evicting connection after failed write", "connection_id", c.id, "organization_id", c.organizationID, "error", err)
			r.detachLocked(c, reasonWriteFailed)
		}
		return false
	}

	r.mu.Lock()
	c.lastActivity = r.clock.Now()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.FramesDelivered.Inc()
	}
	return true
}

// detachLocked removes c from both indexes, dropping the organization's set
// once it is empty.
func (r *Registry) detachLocked(c *connection, reason string) {
	delete(r.connections, c.id)
	c.transport.Evict()

	emptied := false
	if ids, ok := r.byOrg[c.organizationID]; ok {
		delete(ids, c.id)
		if len(ids) == 0 {
			delete(r.byOrg, c.organizationID)
			emptied = true
		}
	}

	if r.metrics != nil {
		r.metrics.Evictions.WithLabelValues(reason).Inc()
	}
	r.recordGaugesLocked()
	slog.Debug("Connection removed", "connection_id", c.id, "organization_id", c.organizationID, "reason", reason)

	if emptied {
		slog.Info("Last connection of organization closed", "organization_id", c.organizationID)
		if r.onOrganizationEmpty != nil {
			r.onOrganizationEmpty(c.organizationID)
		}
	}
}

func (r *Registry) recordGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.ActiveConnections.Set(float64(len(r.connections)))
	r.metrics.ActiveOrganizations.Set(float64(len(r.byOrg)))
}
