package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/steveapo/oikion-realtime/internal/domain"
)

const sourceName = "redis"

// ChangeSource relays events that other processes publish on a Redis
// pub/sub channel. Messages are JSON-encoded RealtimeEvents.
type ChangeSource struct {
	rdb     *goredis.Client
	channel string
}

func NewChangeSource(rdb *goredis.Client, channel string) *ChangeSource {
	return &ChangeSource{rdb: rdb, channel: channel}
}

func (s *ChangeSource) Name() string {
	return sourceName
}

// Connect subscribes to the channel and waits for the server to confirm.
// Authentication failures are fatal.
func (s *ChangeSource) Connect(ctx context.Context, emit domain.EmitFunc) (domain.ChangeSubscription, error) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrChangeSourceFatal, s.channel, err)
		}
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	sub := &subscription{
		pubsub: pubsub,
		done:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.run(ctx, s.channel, pubsub.Channel(), emit)

	slog.InfoContext(ctx, "Subscribed to Redis change channel", "channel", s.channel)
	return sub, nil
}

// PublishChange hands event to every instance subscribed to the channel.
func (s *ChangeSource) PublishChange(ctx context.Context, event domain.RealtimeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

type subscription struct {
	pubsub    *goredis.PubSub
	done      chan error
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *subscription) Done() <-chan error {
	return s.done
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}

// run forwards messages until Close. go-redis reconnects the pub/sub
// internally, so the message channel only closes when the pub/sub does.
func (s *subscription) run(ctx context.Context, channel string, messages <-chan *goredis.Message, emit domain.EmitFunc) {
	defer s.wg.Done()

	for {
		select {
		case <-s.closed:
			return
		case msg, ok := <-messages:
			if !ok {
				select {
				case <-s.closed:
				default:
					s.done <- errors.New("redis pub/sub channel closed")
				}
				return
			}

			event, err := decodeChange(msg.Payload)
			if err != nil {
				slog.WarnContext(ctx, "Dropping undecodable change message", "channel", channel, "error", err)
				continue
			}
			emit(event)
		}
	}
}

func decodeChange(payload string) (domain.RealtimeEvent, error) {
	var event domain.RealtimeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return domain.RealtimeEvent{}, err
	}
	if event.ID == "" {
		return domain.RealtimeEvent{}, errors.New("event id is missing")
	}
	return event, nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS") || strings.HasPrefix(msg, "NOPERM")
}
