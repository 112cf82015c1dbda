//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/steveapo/oikion-realtime/internal/adapter/metrics"
	"github.com/steveapo/oikion-realtime/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testChannel = "realtime_changes"

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("crm"),
		postgres.WithUsername("crm"),
		postgres.WithPassword("crm"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	testPool, err = Connect(ctx, connStr, clockwork.NewRealClock(), metrics.NewDatabaseMetrics(metrics.NewRegistry()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}

	if err := RunMigrationsWithLock(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	if _, err := testPool.Exec(ctx, `
		CREATE TABLE properties (
			id text PRIMARY KEY,
			organization_id text NOT NULL,
			title text NOT NULL,
			price integer NOT NULL,
			updated_by text
		);
		CREATE TRIGGER properties_realtime
			AFTER INSERT OR UPDATE OR DELETE ON properties
			FOR EACH ROW EXECUTE FUNCTION realtime_notify_change('realtime_changes');
	`); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create fixtures: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testPool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

type collected struct {
	mu     sync.Mutex
	events []domain.RealtimeEvent
}

func (c *collected) emit(event domain.RealtimeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collected) snapshot() []domain.RealtimeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.RealtimeEvent(nil), c.events...)
}

func TestRunMigrationsWithLock_Idempotent(t *testing.T) {
	require.NoError(t, RunMigrationsWithLock(context.Background(), testPool))

	var exists bool
	err := testPool.QueryRow(context.Background(),
		"SELECT EXISTS (SELECT 1 FROM pg_proc WHERE proname = 'realtime_notify_change')").Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestChangeSource_RowChangesBecomeEvents(t *testing.T) {
	ctx := context.Background()
	source := NewChangeSource(testPool, testChannel, clockwork.NewRealClock())

	var got collected
	sub, err := source.Connect(ctx, got.emit)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	_, err = testPool.Exec(ctx, `INSERT INTO properties (id, organization_id, title, price, updated_by) VALUES ('prop-1', 'org-1', 'Loft', 100, 'user-1')`)
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `UPDATE properties SET price = 120 WHERE id = 'prop-1'`)
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `DELETE FROM properties WHERE id = 'prop-1'`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, 5*time.Second, 20*time.Millisecond)
	events := got.snapshot()

	assert.Equal(t, domain.EventPropertyCreate, events[0].Type)
	assert.Equal(t, domain.EventPropertyUpdate, events[1].Type)
	assert.Equal(t, domain.EventPropertyDelete, events[2].Type)

	update, ok := events[1].Payload.(domain.PropertyPayload)
	require.True(t, ok)
	assert.Equal(t, "prop-1", update.PropertyID)
	assert.Equal(t, "org-1", update.OrganizationID)
	assert.Equal(t, "user-1", update.UpdatedBy)
	assert.Equal(t, []string{"price"}, update.UpdatedFields)
}

func TestChangeSource_CloseReleasesConnection(t *testing.T) {
	source := NewChangeSource(testPool, testChannel, clockwork.NewRealClock())

	before := testPool.Stat().AcquiredConns()
	sub, err := source.Connect(context.Background(), func(domain.RealtimeEvent) {})
	require.NoError(t, err)
	assert.Equal(t, before+1, testPool.Stat().AcquiredConns())

	require.NoError(t, sub.Close())
	assert.Equal(t, before, testPool.Stat().AcquiredConns())

	select {
	case err := <-sub.Done():
		t.Fatalf("unexpected drop after Close: %v", err)
	default:
	}
}
