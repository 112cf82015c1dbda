package domain

import "context"

// EmitFunc hands an event from a change source to the distribution worker.
type EmitFunc func(event RealtimeEvent)

// ChangeSource is an upstream feed of events that happen outside direct
// publish calls, e.g. database change notifications.
//
// Connect establishes one subscription. An error wrapping
// ErrChangeSourceFatal means retrying is pointless.
type ChangeSource interface {
	Name() string
	Connect(ctx context.Context, emit EmitFunc) (ChangeSubscription, error)
}

// Relay fans a locally published event out to every instance through the
// shared feed of the change source with the same Name. The relayed copy
// returns to this instance through that source.
type Relay interface {
	Name() string
	PublishChange(ctx context.Context, event RealtimeEvent) error
}

// ChangeSubscription is a live connection to a ChangeSource.
//
// Done yields exactly one value when the feed drops on its own (nil or the
// cause). It is not signalled after Close.
type ChangeSubscription interface {
	Done() <-chan error
	Close() error
}
