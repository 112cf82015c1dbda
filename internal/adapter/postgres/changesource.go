package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/steveapo/oikion-realtime/internal/domain"
)

const (
	sourceName      = "postgres"
	unlistenTimeout = 2 * time.Second
)

// SQLSTATE codes after which reconnecting cannot help.
var fatalSQLStates = map[string]bool{
	"28000": true, // invalid_authorization_specification
	"28P01": true, // invalid_password
	"3D000": true, // invalid_catalog_name
	"42501": true, // insufficient_privilege
}

// ChangeSource turns NOTIFY messages from realtime_notify_change() into
// realtime events. It holds one pool connection per subscription.
type ChangeSource struct {
	pool    *pgxpool.Pool
	channel string
	clock   clockwork.Clock
}

func NewChangeSource(pool *pgxpool.Pool, channel string, clock clockwork.Clock) *ChangeSource {
	return &ChangeSource{pool: pool, channel: channel, clock: clock}
}

func (s *ChangeSource) Name() string {
	return sourceName
}

func (s *ChangeSource) Connect(ctx context.Context, emit domain.EmitFunc) (domain.ChangeSubscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to acquire listen connection: %w", err))
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, classify(fmt.Errorf("failed to listen on %s: %w", s.channel, err))
	}

	listenCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	sub.wg.Add(1)
	go sub.run(listenCtx, s.channel, func(payload string) {
		event, err := s.decode(payload)
		if err != nil {
			slog.WarnContext(ctx, "Dropping change notification", "channel", s.channel, "error", err)
			return
		}
		emit(event)
	})

	slog.InfoContext(ctx, "Listening for database changes", "channel", s.channel)
	return sub, nil
}

func (s *ChangeSource) decode(payload string) (domain.RealtimeEvent, error) {
	var record ChangeRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return domain.RealtimeEvent{}, fmt.Errorf("decode change record: %w", err)
	}

	eventType, body, err := record.toPayload()
	if err != nil {
		return domain.RealtimeEvent{}, err
	}
	return domain.NewEvent(uuid.NewString(), eventType, s.clock.Now().UTC(), sourceName, body)
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && fatalSQLStates[pgErr.Code] {
		return fmt.Errorf("%w: %w", domain.ErrChangeSourceFatal, err)
	}
	return err
}

type subscription struct {
	conn      *pgxpool.Conn
	cancel    context.CancelFunc
	done      chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *subscription) Done() <-chan error {
	return s.done
}

// Close stops listening and returns the connection to the pool. A connection
// broken by the cancelled wait is discarded by the pool on release.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
		defer cancel()
		if !s.conn.Conn().IsClosed() {
			_, _ = s.conn.Exec(ctx, "UNLISTEN *")
		}
		s.conn.Release()
	})
	return nil
}

func (s *subscription) run(ctx context.Context, channel string, handle func(payload string)) {
	defer s.wg.Done()

	for {
		notification, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Database change listener dropped", "channel", channel, "error", err)
			s.done <- err
			return
		}
		handle(notification.Payload)
	}
}
