package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/steveapo/oikion-realtime/internal/adapter/metrics"
	"github.com/steveapo/oikion-realtime/internal/domain"
	apperrors "github.com/steveapo/oikion-realtime/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeSubscription struct {
	done     chan error
	closeErr error

	mu     sync.Mutex
	closed int
}

func newFakeSubscription(closeErr error) *fakeSubscription {
	return &fakeSubscription{done: make(chan error, 1), closeErr: closeErr}
}

func (s *fakeSubscription) Done() <-chan error { return s.done }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return s.closeErr
}

func (s *fakeSubscription) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSubscription) drop(err error) {
	s.done <- err
}

// fakeSource hands out fakeSubscriptions. Queued errors are returned by the
// next Connect calls, in order; once they run out Connect succeeds.
type fakeSource struct {
	name     string
	closeErr error

	mu       sync.Mutex
	errs     []error
	connects int
	subs     []*fakeSubscription
	emit     domain.EmitFunc
}

func newFakeSource(name string, errs ...error) *fakeSource {
	return &fakeSource{name: name, errs: errs}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Connect(_ context.Context, emit domain.EmitFunc) (domain.ChangeSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	sub := newFakeSubscription(f.closeErr)
	f.subs = append(f.subs, sub)
	f.emit = emit
	return sub, nil
}

func (f *fakeSource) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeSource) latest() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeSource) send(event domain.RealtimeEvent) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	emit(event)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.RealtimeEvent
}

func (r *recorder) callback(event domain.RealtimeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) all() []domain.RealtimeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RealtimeEvent(nil), r.events...)
}

func newTestWorker(t *testing.T, sources ...domain.ChangeSource) (*Worker, *clockwork.FakeClock, *metrics.WorkerMetrics) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testTime)
	m := metrics.NewWorkerMetrics(prometheus.NewRegistry())
	w := NewWorker(clock, sources, m, Config{ReconnectBaseDelay: time.Second, MaxReconnectAttempts: 2})
	t.Cleanup(func() { _ = w.Stop() })
	return w, clock, m
}

func propertyUpdate(organizationID string) PropertyEventParams {
	return PropertyEventParams{
		Operation:      domain.PropertyUpdate,
		PropertyID:     "p1",
		OrganizationID: organizationID,
		UpdatedBy:      "u1",
	}
}

func TestWorker_ChannelMatchingAndUnsubscribe(t *testing.T) {
	w, _, _ := newTestWorker(t)
	rec := &recorder{}
	require.NoError(t, w.Subscribe("org:123", rec.callback))

	published, err := w.PublishPropertyEvent(context.Background(), propertyUpdate("123"))
	require.NoError(t, err)

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, published, got[0])
	assert.Equal(t, domain.EventPropertyUpdate, got[0].Type)
	assert.Equal(t, "p1", got[0].Payload.(domain.PropertyPayload).PropertyID)
	assert.Equal(t, "application", got[0].Source)
	assert.Equal(t, domain.EventVersion, got[0].Version)
	assert.Equal(t, testTime, got[0].Timestamp)
	assert.NotEmpty(t, got[0].ID)

	_, err = w.PublishPropertyEvent(context.Background(), propertyUpdate("456"))
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1, "other organization must not match")

	w.Unsubscribe("org:123")
	_, err = w.PublishPropertyEvent(context.Background(), propertyUpdate("123"))
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1)
}

func TestWorker_StartStopStatus(t *testing.T) {
	src := newFakeSource("pg")
	w, _, m := newTestWorker(t, src)

	require.NoError(t, w.Start(context.Background()))
	status := w.Status()
	assert.True(t, status.IsRunning)
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, []string{"pg"}, status.Upstreams)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Running))

	require.NoError(t, w.Subscribe("org:A", (&recorder{}).callback))
	assert.Equal(t, 1, w.Status().Subscriptions)

	require.NoError(t, w.Stop())
	status = w.Status()
	assert.False(t, status.IsRunning)
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, 0, status.Subscriptions)
	assert.Empty(t, status.Upstreams)
	assert.Equal(t, 1, src.latest().closeCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Running))
}

func TestWorker_StartAndStopAreIdempotent(t *testing.T) {
	src := newFakeSource("pg")
	w, _, _ := newTestWorker(t, src)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, 1, src.connectCount())
	assert.Equal(t, []string{"pg"}, w.Status().Upstreams)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.Equal(t, 1, src.latest().closeCount())

	// A stopped worker can be started again.
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, 2, src.connectCount())
	assert.True(t, w.Status().IsRunning)
}

func TestWorker_FatalSourceAbortsStart(t *testing.T) {
	ok := newFakeSource("redis")
	bad := newFakeSource("pg", fmt.Errorf("%w: authentication failed", domain.ErrChangeSourceFatal))
	w, _, _ := newTestWorker(t, ok, bad)

	err := w.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrChangeSourceFatal)
	assert.Contains(t, err.Error(), "pg")

	status := w.Status()
	assert.False(t, status.IsRunning)
	assert.Equal(t, StateStopped, status.State)
	assert.Empty(t, status.Upstreams)
	assert.Equal(t, 1, ok.latest().closeCount(), "sources connected before the failure are closed")
}

func TestWorker_DegradedStartReconnectsInBackground(t *testing.T) {
	src := newFakeSource("pg", errors.New("connection refused"))
	w, clock, _ := newTestWorker(t, src)
	rec := &recorder{}
	require.NoError(t, w.Subscribe("org:A", rec.callback))

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Status().IsRunning)
	assert.Empty(t, w.Status().Upstreams)

	// Direct publishing works without the feed.
	_, err := w.PublishPropertyEvent(context.Background(), propertyUpdate("A"))
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, w.Status().ReconnectAttempts)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		s := w.Status()
		return len(s.Upstreams) == 1 && s.ReconnectAttempts == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, src.connectCount())
}

func TestWorker_ReconnectAfterDropResetsAttempts(t *testing.T) {
	src := newFakeSource("pg")
	w, clock, m := newTestWorker(t, src)
	require.NoError(t, w.Start(context.Background()))

	first := src.latest()
	first.drop(errors.New("connection reset"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Empty(t, w.Status().Upstreams, "dropped upstream is forgotten")
	assert.Equal(t, 1, first.closeCount())

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		s := w.Status()
		return len(s.Upstreams) == 1 && s.ReconnectAttempts == 0 && s.IsRunning
	}, time.Second, 5*time.Millisecond)
	assert.NotSame(t, first, src.latest())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconnectAttempts.WithLabelValues("pg")))
}

func TestWorker_ReconnectExhaustionStopsWorker(t *testing.T) {
	src := newFakeSource("pg")
	w, clock, m := newTestWorker(t, src)
	rec := &recorder{}
	require.NoError(t, w.Subscribe("org:A", rec.callback))
	require.NoError(t, w.Start(context.Background()))

	src.mu.Lock()
	src.errs = []error{errors.New("refused"), errors.New("refused")}
	src.mu.Unlock()
	src.latest().drop(errors.New("connection reset"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Waits are 2^attempt * base: 2s, then 4s.
	for _, delay := range []time.Duration{2 * time.Second, 4 * time.Second} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(delay)
	}

	require.Eventually(t, func() bool {
		return w.Status().State == StateStopped
	}, time.Second, 5*time.Millisecond)

	status := w.Status()
	assert.False(t, status.IsRunning)
	assert.Equal(t, 1, status.Subscriptions, "subscriptions survive a failed feed")
	assert.Equal(t, 3, src.connectCount())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconnectAttempts.WithLabelValues("pg")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Running))

	// Direct publish still reaches subscribers.
	_, err := w.PublishPropertyEvent(context.Background(), propertyUpdate("A"))
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1)

	// Start recovers the feed.
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Status().IsRunning)
	assert.Equal(t, 0, w.Status().ReconnectAttempts)
}

func TestWorker_ReconnectBudgetIsPerSource(t *testing.T) {
	healthy := newFakeSource("redis")
	flaky := newFakeSource("pg")
	w, clock, _ := newTestWorker(t, healthy, flaky)
	require.NoError(t, w.Start(context.Background()))

	flaky.mu.Lock()
	flaky.errs = []error{errors.New("refused"), errors.New("refused")}
	flaky.mu.Unlock()
	healthy.latest().drop(errors.New("connection reset"))
	flaky.latest().drop(errors.New("connection reset"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Both sources wait on their own first attempt.
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(2 * time.Second)

	// The healthy source reconnecting must not refill the flaky one's budget.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Eventually(t, func() bool {
		s := w.Status()
		return len(s.Upstreams) == 1 && s.ReconnectAttempts == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]int{"pg": 2}, w.Status().ReconnectAttemptsBySource)

	clock.Advance(4 * time.Second)
	require.Eventually(t, func() bool {
		return w.Status().State == StateStopped
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, flaky.connectCount())
	assert.Equal(t, 2, healthy.connectCount())
	assert.Equal(t, 1, healthy.latest().closeCount(), "reconnected upstream is closed on failure")
}

func TestWorker_StopClosesEveryUpstream(t *testing.T) {
	a := newFakeSource("redis")
	a.closeErr = errors.New("redis close failed")
	b := newFakeSource("pg")
	b.closeErr = errors.New("pg close failed")
	c := newFakeSource("other")
	w, _, _ := newTestWorker(t, a, b, c)
	require.NoError(t, w.Start(context.Background()))

	err := w.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, a.closeErr)
	assert.ErrorIs(t, err, b.closeErr)
	for _, src := range []*fakeSource{a, b, c} {
		assert.Equal(t, 1, src.latest().closeCount(), src.name)
	}
	assert.Equal(t, StateStopped, w.Status().State)
}

func TestWorker_CallbackFailuresAreIsolated(t *testing.T) {
	w, _, m := newTestWorker(t)
	wildcard := &recorder{}
	user := &recorder{}

	require.NoError(t, w.Subscribe("org:A", func(domain.RealtimeEvent) error { panic("boom") }))
	require.NoError(t, w.Subscribe("user:u1", func(domain.RealtimeEvent) error { return errors.New("write failed") }))
	require.NoError(t, w.Subscribe("*", wildcard.callback))
	require.NoError(t, w.Subscribe("user:u2", user.callback))

	_, err := w.PublishNotification(context.Background(), NotificationParams{
		UserID:         "u1",
		OrganizationID: "A",
		Title:          "Viewing booked",
		Message:        "Saturday 10:00",
	})
	require.NoError(t, err)

	assert.Len(t, wildcard.all(), 1)
	assert.Empty(t, user.all())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CallbacksInvoked))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallbackFailures))
}

func TestWorker_ResubscribeReplacesCallback(t *testing.T) {
	w, _, _ := newTestWorker(t)
	first, second := &recorder{}, &recorder{}

	require.NoError(t, w.Subscribe("org:A", first.callback))
	require.NoError(t, w.Subscribe("org:A", second.callback))
	assert.Equal(t, 1, w.Status().Subscriptions)

	_, err := w.PublishPropertyEvent(context.Background(), propertyUpdate("A"))
	require.NoError(t, err)
	assert.Empty(t, first.all())
	assert.Len(t, second.all(), 1)
}

func TestWorker_SubscribeRejectsMalformedChannel(t *testing.T) {
	w, _, _ := newTestWorker(t)

	for _, channel := range []string{"orgA", "", ":A", "org:"} {
		err := w.Subscribe(channel, (&recorder{}).callback)
		assert.ErrorIs(t, err, domain.ErrMalformedChannel, channel)
	}
	assert.Error(t, w.Subscribe("org:A", nil))
	assert.Equal(t, 0, w.Status().Subscriptions)

	// Unknown kinds are accepted but never match.
	rec := &recorder{}
	require.NoError(t, w.Subscribe("team:A", rec.callback))
	_, err := w.PublishPropertyEvent(context.Background(), propertyUpdate("A"))
	require.NoError(t, err)
	assert.Empty(t, rec.all())

	w.Unsubscribe("never-subscribed")
}

func TestWorker_ChangeSourceEventsAreDistributed(t *testing.T) {
	src := newFakeSource("pg")
	w, _, m := newTestWorker(t, src)
	rec := &recorder{}
	require.NoError(t, w.Subscribe("org:A", rec.callback))
	require.NoError(t, w.Start(context.Background()))

	event, err := domain.NewEvent("evt-1", domain.EventDataSync, testTime, "postgres", domain.DataSyncPayload{OrganizationID: "A", Entity: "tasks"})
	require.NoError(t, err)
	src.send(event)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, event, rec.all()[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(string(domain.EventDataSync), "pg")))

	// Invalid events are dropped.
	src.send(domain.RealtimeEvent{ID: "bad", Type: domain.EventMemberJoin, Payload: domain.DataSyncPayload{OrganizationID: "A"}})
	assert.Len(t, rec.all(), 1)

	// Events emitted after Stop are dropped.
	require.NoError(t, w.Stop())
	require.NoError(t, w.Subscribe("org:A", rec.callback))
	src.send(event)
	assert.Len(t, rec.all(), 1)
}

func TestWorker_PublishRejectsMismatchedEvent(t *testing.T) {
	w, _, _ := newTestWorker(t)

	err := w.Publish(context.Background(), domain.RealtimeEvent{ID: "x", Type: domain.EventNotification, Payload: domain.MemberPayload{}})
	assert.ErrorIs(t, err, domain.ErrPayloadMismatch)
}

func TestWorker_PublishFamilyRoutesByType(t *testing.T) {
	ctx := context.Background()
	expires := testTime.Add(time.Hour)

	tests := []struct {
		name     string
		channel  string
		publish  func(w *Worker) (domain.RealtimeEvent, error)
		wantType domain.EventType
	}{
		{"property create", "org:A", func(w *Worker) (domain.RealtimeEvent, error) {
			p := propertyUpdate("A")
			p.Operation = domain.PropertyCreate
			return w.PublishPropertyEvent(ctx, p)
		}, domain.EventPropertyCreate},
		{"property delete", "org:A", func(w *Worker) (domain.RealtimeEvent, error) {
			p := propertyUpdate("A")
			p.Operation = domain.PropertyDelete
			return w.PublishPropertyEvent(ctx, p)
		}, domain.EventPropertyDelete},
		{"member join", "user:u9", func(w *Worker) (domain.RealtimeEvent, error) {
			return w.PublishMemberEvent(ctx, MemberEventParams{Action: MemberJoin, OrganizationID: "A", UserID: "u9", Role: "agent"})
		}, domain.EventMemberJoin},
		{"member leave", "org:A", func(w *Worker) (domain.RealtimeEvent, error) {
			return w.PublishMemberEvent(ctx, MemberEventParams{Action: MemberLeave, OrganizationID: "A", UserID: "u9"})
		}, domain.EventMemberLeave},
		{"organization", "org:A", func(w *Worker) (domain.RealtimeEvent, error) {
			return w.PublishOrganizationEvent(ctx, OrganizationEventParams{OrganizationID: "A", UpdatedBy: "u1", UpdatedFields: []string{"name"}})
		}, domain.EventOrganizationUpdate},
		{"notification", "user:u1", func(w *Worker) (domain.RealtimeEvent, error) {
			return w.PublishNotification(ctx, NotificationParams{UserID: "u1", Title: "t", Message: "m"})
		}, domain.EventNotification},
		{"alert", "org:A", func(w *Worker) (domain.RealtimeEvent, error) {
			return w.PublishSystemAlert(ctx, SystemAlertParams{OrganizationID: "A", Severity: "warning", Message: "maintenance", ExpiresAt: &expires})
		}, domain.EventSystemAlert},
		{"data sync", "org:A", func(w *Worker) (domain.RealtimeEvent, error) {
			return w.PublishDataSync(ctx, DataSyncParams{OrganizationID: "A", Entity: "contacts", EntityIDs: []string{"c1"}, Source: "import"})
		}, domain.EventDataSync},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, _ := newTestWorker(t)
			rec := &recorder{}
			require.NoError(t, w.Subscribe(tt.channel, rec.callback))

			event, err := tt.publish(w)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, event.Type)
			require.Len(t, rec.all(), 1)
			assert.Equal(t, event, rec.all()[0])
		})
	}
}

func TestWorker_PublishDefaults(t *testing.T) {
	w, _, _ := newTestWorker(t)
	ctx := context.Background()

	alert, err := w.PublishSystemAlert(ctx, SystemAlertParams{Message: "deploy at 22:00"})
	require.NoError(t, err)
	assert.Equal(t, "info", alert.Payload.(domain.SystemAlertPayload).Severity)
	assert.Empty(t, alert.OrganizationID(), "platform-wide alert")

	note, err := w.PublishNotification(ctx, NotificationParams{UserID: "u1", Title: "t", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, "info", note.Payload.(domain.NotificationPayload).Level)

	syncEvent, err := w.PublishDataSync(ctx, DataSyncParams{OrganizationID: "A", Entity: "contacts", Source: "import"})
	require.NoError(t, err)
	assert.Equal(t, "import", syncEvent.Source)
}

func TestWorker_PublishValidation(t *testing.T) {
	w, _, _ := newTestWorker(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		publish func() (domain.RealtimeEvent, error)
	}{
		{"unknown operation", func() (domain.RealtimeEvent, error) {
			p := propertyUpdate("A")
			p.Operation = "archive"
			return w.PublishPropertyEvent(ctx, p)
		}},
		{"missing property id", func() (domain.RealtimeEvent, error) {
			p := propertyUpdate("A")
			p.PropertyID = ""
			return w.PublishPropertyEvent(ctx, p)
		}},
		{"missing organization", func() (domain.RealtimeEvent, error) {
			return w.PublishPropertyEvent(ctx, propertyUpdate(""))
		}},
		{"unknown member action", func() (domain.RealtimeEvent, error) {
			return w.PublishMemberEvent(ctx, MemberEventParams{Action: "promote", OrganizationID: "A", UserID: "u1"})
		}},
		{"member without user", func() (domain.RealtimeEvent, error) {
			return w.PublishMemberEvent(ctx, MemberEventParams{Action: MemberJoin, OrganizationID: "A"})
		}},
		{"organization without actor", func() (domain.RealtimeEvent, error) {
			return w.PublishOrganizationEvent(ctx, OrganizationEventParams{OrganizationID: "A"})
		}},
		{"notification without message", func() (domain.RealtimeEvent, error) {
			return w.PublishNotification(ctx, NotificationParams{UserID: "u1", Title: "t"})
		}},
		{"alert with unknown severity", func() (domain.RealtimeEvent, error) {
			return w.PublishSystemAlert(ctx, SystemAlertParams{Severity: "panic", Message: "m"})
		}},
		{"sync without entity", func() (domain.RealtimeEvent, error) {
			return w.PublishDataSync(ctx, DataSyncParams{OrganizationID: "A"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.publish()
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.TypeValidation), err.Error())
		})
	}
}

// loopbackRelay publishes through src, the way a Redis relay echoes events
// back to the instance that sent them.
type loopbackRelay struct {
	src *fakeSource
	err error

	mu      sync.Mutex
	relayed []string
}

func (r *loopbackRelay) Name() string { return r.src.Name() }

func (r *loopbackRelay) PublishChange(_ context.Context, event domain.RealtimeEvent) error {
	r.mu.Lock()
	r.relayed = append(r.relayed, event.ID)
	r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.src.send(event)
	return nil
}

func (r *loopbackRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.relayed)
}

func newRelayWorker(t *testing.T, relay *loopbackRelay) *Worker {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testTime)
	w := NewWorker(clock, []domain.ChangeSource{relay.src}, nil, Config{Relay: relay})
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWorker_RelayDeliversOnceThroughFeed(t *testing.T) {
	relay := &loopbackRelay{src: newFakeSource("redis")}
	w := newRelayWorker(t, relay)
	rec := &recorder{}
	require.NoError(t, w.Subscribe("org:A", rec.callback))
	require.NoError(t, w.Start(context.Background()))

	event, err := w.PublishPropertyEvent(context.Background(), propertyUpdate("A"))
	require.NoError(t, err)

	assert.Equal(t, 1, relay.count())
	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, event.ID, got[0].ID)
}

func TestWorker_RelayBypassedWhileFeedIsDown(t *testing.T) {
	relay := &loopbackRelay{src: newFakeSource("redis")}
	w := newRelayWorker(t, relay)
	rec := &recorder{}
	require.NoError(t, w.Subscribe("org:A", rec.callback))

	// Not started: the relayed copy could not come back.
	_, err := w.PublishPropertyEvent(context.Background(), propertyUpdate("A"))
	require.NoError(t, err)

	assert.Zero(t, relay.count())
	assert.Len(t, rec.all(), 1)
}

func TestWorker_RelayFailureFallsBackToLocalDispatch(t *testing.T) {
	relay := &loopbackRelay{src: newFakeSource("redis"), err: errors.New("READONLY")}
	w := newRelayWorker(t, relay)
	rec := &recorder{}
	require.NoError(t, w.Subscribe("org:A", rec.callback))
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Publish(context.Background(), domain.RealtimeEvent{
		ID:        "evt-1",
		Type:      domain.EventDataSync,
		Timestamp: testTime,
		Source:    "test",
		Version:   domain.EventVersion,
		Payload:   domain.DataSyncPayload{OrganizationID: "A", Entity: "tasks"},
	}))

	assert.Equal(t, 1, relay.count())
	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "evt-1", got[0].ID)
}
