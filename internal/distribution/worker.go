package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/steveapo/oikion-realtime/internal/adapter/metrics"
	"github.com/steveapo/oikion-realtime/internal/domain"
	"github.com/steveapo/oikion-realtime/internal/platform/correlation"
	"github.com/steveapo/oikion-realtime/internal/platform/retry"
)

const (
	defaultReconnectBaseDelay   = time.Second
	defaultMaxReconnectAttempts = 5
	defaultSource               = "application"

	// originDirect labels events that came from a Publish call rather than a change source.
	originDirect = "direct"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Callback receives every event that matches its channel. A returned error or
// a panic is logged and does not affect other subscribers. Callbacks run
// while the worker holds its dispatch lock and must not publish.
type Callback func(event domain.RealtimeEvent) error

type Config struct {
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	// DefaultSource is stamped on published events that do not name one.
	DefaultSource string
	// Relay, when set, carries published events to every instance. It is
	// only used while the change source it loops back through is connected;
	// otherwise, or when relaying fails, events are dispatched locally.
	Relay domain.Relay
}

// Status is a point-in-time view of the worker.
type Status struct {
	IsRunning     bool  `json:"isRunning"`
	State         State `json:"state"`
	Subscriptions int   `json:"subscriptions"`
	// ReconnectAttempts is the highest pending attempt count of any source.
	ReconnectAttempts         int            `json:"reconnectAttempts"`
	ReconnectAttemptsBySource map[string]int `json:"reconnectAttemptsBySource,omitempty"`
	Upstreams                 []string       `json:"upstreams"`
}

type subscription struct {
	channel  domain.Channel
	callback Callback
	seq      uint64
}

// Worker owns the channel subscription table and the change-source
// subscriptions. All methods are safe for concurrent use.
type Worker struct {
	clock   clockwork.Clock
	sources []domain.ChangeSource
	metrics *metrics.WorkerMetrics
	cfg     Config

	mu            sync.Mutex
	state         State
	generation    uint64
	subscriptions map[string]subscription
	nextSeq       uint64
	upstreams     map[string]domain.ChangeSubscription
	attempts      map[string]int
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	// dispatchMu serialises fan-out so subscribers see events in publish order.
	dispatchMu sync.Mutex
}

// NewWorker creates a stopped worker. sources may be empty; the worker then
// only distributes directly published events.
func NewWorker(clock clockwork.Clock, sources []domain.ChangeSource, m *metrics.WorkerMetrics, cfg Config) *Worker {
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = defaultSource
	}
	return &Worker{
		clock:         clock,
		sources:       sources,
		metrics:       m,
		cfg:           cfg,
		state:         StateStopped,
		subscriptions: make(map[string]subscription),
		upstreams:     make(map[string]domain.ChangeSubscription),
		attempts:      make(map[string]int),
	}
}

// Start connects every change source and moves the worker to running.
// Calling Start on a worker that is not stopped does nothing.
//
// A source failing with an error wrapping domain.ErrChangeSourceFatal aborts
// Start: already connected sources are closed and the error is returned. Any
// other connect failure leaves the worker running without that feed while
// the source is reconnected in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		state := w.state
		w.mu.Unlock()
		slog.InfoContext(ctx, "Worker already started", "state", state)
		return nil
	}
	w.state = StateStarting
	w.generation++
	gen := w.generation
	w.attempts = make(map[string]int)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.mu.Unlock()

	for _, src := range w.sources {
		sub, err := src.Connect(runCtx, w.emitter(gen, src.Name()))
		if err != nil {
			if errors.Is(err, domain.ErrChangeSourceFatal) {
				slog.ErrorContext(ctx, "Change source setup failed, aborting start", "source", src.Name(), "error", err)
				w.abortStart(gen)
				return fmt.Errorf("start change source %s: %w", src.Name(), err)
			}
			slog.WarnContext(ctx, "Change source unavailable, running degraded", "source", src.Name(), "error", err)
		}

		if !w.track(runCtx, gen, src, sub) {
			if sub != nil {
				_ = sub.Close()
			}
			return nil
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.generation != gen || w.state != StateStarting {
		// Stop ran while sources were connecting.
		return nil
	}
	w.state = StateRunning
	if w.metrics != nil {
		w.metrics.Running.Set(1)
	}
	slog.InfoContext(ctx, "Worker started", "sources", len(w.sources), "connected", len(w.upstreams))
	return nil
}

// Stop closes every upstream subscription, clears the subscription table and
// returns the worker to stopped. Each upstream is closed even if another
// fails; the failures are joined into the returned error. Stopping a stopped
// worker does nothing.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.state == StateStopped || w.state == StateStopping {
		w.mu.Unlock()
		slog.Debug("Worker already stopped")
		return nil
	}
	w.state = StateStopping
	w.generation++
	cancel := w.cancel
	w.cancel = nil
	upstreams := w.upstreams
	w.upstreams = make(map[string]domain.ChangeSubscription)
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := closeAll(upstreams)
	w.wg.Wait()

	w.mu.Lock()
	w.subscriptions = make(map[string]subscription)
	w.attempts = make(map[string]int)
	w.state = StateStopped
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.Running.Set(0)
		w.metrics.Subscriptions.Set(0)
	}

	if err != nil {
		slog.Error("Worker stopped with upstream teardown errors", "error", err)
		return err
	}
	slog.Info("Worker stopped")
	return nil
}

// Subscribe installs callback for channel, replacing any previous callback.
// channel is "org:<id>", "user:<id>" or the wildcard "*".
func (w *Worker) Subscribe(channel string, callback Callback) error {
	parsed, err := domain.ParseChannel(channel)
	if err != nil {
		return err
	}
	if callback == nil {
		return fmt.Errorf("subscribe %s: nil callback", channel)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, replaced := w.subscriptions[channel]; replaced {
		slog.Debug("Replacing channel subscription", "channel", channel)
	}
	w.nextSeq++
	w.subscriptions[channel] = subscription{channel: parsed, callback: callback, seq: w.nextSeq}
	w.recordSubscriptionsLocked()
	return nil
}

// Unsubscribe removes the callback for channel. Unknown channels are ignored.
func (w *Worker) Unsubscribe(channel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.subscriptions[channel]; !ok {
		slog.Debug("Unsubscribe of unknown channel ignored", "channel", channel)
		return
	}
	delete(w.subscriptions, channel)
	w.recordSubscriptionsLocked()
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	upstreams := make([]string, 0, len(w.upstreams))
	for name := range w.upstreams {
		upstreams = append(upstreams, name)
	}
	sort.Strings(upstreams)

	var maxAttempts int
	var bySource map[string]int
	for name, n := range w.attempts {
		if n == 0 {
			continue
		}
		if bySource == nil {
			bySource = make(map[string]int)
		}
		bySource[name] = n
		maxAttempts = max(maxAttempts, n)
	}

	return Status{
		IsRunning:                 w.state == StateRunning,
		State:                     w.state,
		Subscriptions:             len(w.subscriptions),
		ReconnectAttempts:         maxAttempts,
		ReconnectAttemptsBySource: bySource,
		Upstreams:                 upstreams,
	}
}

// Publish validates and distributes an already built event.
func (w *Worker) Publish(ctx context.Context, event domain.RealtimeEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}
	w.distribute(ctx, event)
	return nil
}

// distribute relays a directly published event when the relay's feed is
// live and dispatches it in-process otherwise.
func (w *Worker) distribute(ctx context.Context, event domain.RealtimeEvent) {
	ctx = correlation.Ensure(ctx)

	if relay := w.cfg.Relay; relay != nil && w.upstreamConnected(relay.Name()) {
		err := relay.PublishChange(ctx, event)
		if err == nil {
			slog.DebugContext(ctx, "Event relayed", "event_id", event.ID, "event_type", event.Type, "relay", relay.Name())
			return
		}
		slog.WarnContext(ctx, "Relay failed, delivering to this instance only", "event_id", event.ID, "relay", relay.Name(), "error", err)
	}
	w.dispatch(ctx, event, originDirect)
}

func (w *Worker) upstreamConnected(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.upstreams[name]
	return ok && w.state == StateRunning
}

// dispatch invokes every callback whose channel matches event and returns
// how many returned without error.
func (w *Worker) dispatch(ctx context.Context, event domain.RealtimeEvent, origin string) int {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()

	w.mu.Lock()
	targets := make([]subscription, 0, len(w.subscriptions))
	for _, s := range w.subscriptions {
		if s.channel.Matches(event) {
			targets = append(targets, s)
		}
	}
	w.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	delivered := 0
	for _, s := range targets {
		if w.invoke(ctx, s, event) {
			delivered++
		}
	}

	if w.metrics != nil {
		w.metrics.EventsPublished.WithLabelValues(string(event.Type), origin).Inc()
	}
	slog.DebugContext(ctx, "Event distributed", "event_id", event.ID, "event_type", event.Type, "origin", origin, "matched", len(targets), "delivered", delivered)
	return delivered
}

func (w *Worker) invoke(ctx context.Context, s subscription, event domain.RealtimeEvent) (ok bool) {
	if w.metrics != nil {
		w.metrics.CallbacksInvoked.Inc()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Subscriber callback panicked", "channel", s.channel.String(), "event_id", event.ID, "panic", r)
			w.recordCallbackFailure()
			ok = false
		}
	}()

	if err := s.callback(event); err != nil {
		slog.WarnContext(ctx, "Subscriber callback failed", "channel", s.channel.String(), "event_id", event.ID, "error", err)
		w.recordCallbackFailure()
		return false
	}
	return true
}

// emitter returns the EmitFunc handed to a change source. Events emitted
// after the worker left the generation they were connected in are dropped.
func (w *Worker) emitter(gen uint64, origin string) domain.EmitFunc {
	return func(event domain.RealtimeEvent) {
		ctx := correlation.WithID(context.Background(), correlation.NewID())
		if !w.live(gen) {
			slog.DebugContext(ctx, "Dropping change event from stale source", "source", origin, "event_id", event.ID)
			return
		}
		if err := event.Validate(); err != nil {
			slog.WarnContext(ctx, "Dropping invalid change event", "source", origin, "event_id", event.ID, "error", err)
			return
		}
		w.dispatch(ctx, event, origin)
	}
}

// track records sub as the live upstream for src and starts its supervisor.
// A nil sub starts the supervisor in reconnect mode. It reports false when
// the worker has been stopped in the meantime.
func (w *Worker) track(ctx context.Context, gen uint64, src domain.ChangeSource, sub domain.ChangeSubscription) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.liveLocked(gen) {
		return false
	}
	if sub != nil {
		w.upstreams[src.Name()] = sub
	}
	w.wg.Add(1)
	go w.supervise(ctx, gen, src, sub)
	return true
}

// supervise waits for sub to drop and reconnects it until the worker stops
// or the reconnect budget is exhausted.
func (w *Worker) supervise(ctx context.Context, gen uint64, src domain.ChangeSource, sub domain.ChangeSubscription) {
	defer w.wg.Done()

	for {
		if sub != nil {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Done():
				slog.Warn("Change source dropped", "source", src.Name(), "error", err)
				w.forget(gen, src.Name(), sub)
				_ = sub.Close()
			}
		}

		next, ok := w.reconnect(ctx, gen, src)
		if !ok {
			return
		}
		sub = next
	}
}

func (w *Worker) reconnect(ctx context.Context, gen uint64, src domain.ChangeSource) (domain.ChangeSubscription, bool) {
	for {
		w.mu.Lock()
		if !w.liveLocked(gen) {
			w.mu.Unlock()
			return nil, false
		}
		w.attempts[src.Name()]++
		attempt := w.attempts[src.Name()]
		w.mu.Unlock()

		if attempt > w.cfg.MaxReconnectAttempts {
			w.fail(gen, src.Name(), attempt-1)
			return nil, false
		}
		if w.metrics != nil {
			w.metrics.ReconnectAttempts.WithLabelValues(src.Name()).Inc()
		}

		delay := retry.Exponential(w.cfg.ReconnectBaseDelay, attempt)
		slog.Warn("Reconnecting change source", "source", src.Name(), "attempt", attempt, "max_attempts", w.cfg.MaxReconnectAttempts, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, false
		case <-w.clock.After(delay):
		}

		sub, err := src.Connect(ctx, w.emitter(gen, src.Name()))
		if err != nil {
			slog.Warn("Change source reconnect failed", "source", src.Name(), "attempt", attempt, "error", err)
			if errors.Is(err, domain.ErrChangeSourceFatal) {
				w.fail(gen, src.Name(), attempt)
				return nil, false
			}
			continue
		}

		w.mu.Lock()
		if !w.liveLocked(gen) {
			w.mu.Unlock()
			_ = sub.Close()
			return nil, false
		}
		w.upstreams[src.Name()] = sub
		delete(w.attempts, src.Name())
		w.mu.Unlock()

		slog.Info("Change source reconnected", "source", src.Name(), "attempt", attempt)
		return sub, true
	}
}

// fail stops the worker after the reconnect budget is spent. Subscriptions
// are kept; a later Start resumes delivery to them.
func (w *Worker) fail(gen uint64, source string, attempts int) {
	w.mu.Lock()
	if !w.liveLocked(gen) {
		w.mu.Unlock()
		return
	}
	w.state = StateStopped
	w.generation++
	cancel := w.cancel
	w.cancel = nil
	upstreams := w.upstreams
	w.upstreams = make(map[string]domain.ChangeSubscription)
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if w.metrics != nil {
		w.metrics.Running.Set(0)
	}
	slog.Error("Change source reconnect attempts exhausted, worker stopped", "source", source, "attempts", attempts, "max_attempts", w.cfg.MaxReconnectAttempts)

	if err := closeAll(upstreams); err != nil {
		slog.Error("Upstream teardown errors after worker failure", "error", err)
	}
}

// abortStart undoes a Start that hit a fatal source error.
func (w *Worker) abortStart(gen uint64) {
	w.mu.Lock()
	if w.generation != gen || w.state != StateStarting {
		w.mu.Unlock()
		return
	}
	w.state = StateStopping
	w.generation++
	cancel := w.cancel
	w.cancel = nil
	upstreams := w.upstreams
	w.upstreams = make(map[string]domain.ChangeSubscription)
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := closeAll(upstreams); err != nil {
		slog.Error("Upstream teardown errors after failed start", "error", err)
	}
	w.wg.Wait()

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
}

func (w *Worker) forget(gen uint64, name string, sub domain.ChangeSubscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.generation == gen && w.upstreams[name] == sub {
		delete(w.upstreams, name)
	}
}

func (w *Worker) live(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.liveLocked(gen)
}

func (w *Worker) liveLocked(gen uint64) bool {
	return w.generation == gen && (w.state == StateStarting || w.state == StateRunning)
}

func (w *Worker) recordSubscriptionsLocked() {
	if w.metrics != nil {
		w.metrics.Subscriptions.Set(float64(len(w.subscriptions)))
	}
}

func (w *Worker) recordCallbackFailure() {
	if w.metrics != nil {
		w.metrics.CallbackFailures.Inc()
	}
}

// closeAll closes every subscription, continuing past failures.
func closeAll(upstreams map[string]domain.ChangeSubscription) error {
	var errs []error
	for name, sub := range upstreams {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
