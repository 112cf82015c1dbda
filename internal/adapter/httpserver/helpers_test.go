package httpserver

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/steveapo/oikion-realtime/internal/adapter/metrics"
	"github.com/steveapo/oikion-realtime/internal/app"
	"github.com/steveapo/oikion-realtime/internal/broadcast"
	"github.com/steveapo/oikion-realtime/internal/distribution"
	"github.com/steveapo/oikion-realtime/internal/platform/config"
)

type testServerOptions struct {
	healthChecks []HealthCheck
	configure    []func(*config.Config)
}

type testServerOption func(*testServerOptions)

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(o *testServerOptions) { o.healthChecks = checks }
}

func withConfig(fn func(*config.Config)) testServerOption {
	return func(o *testServerOptions) { o.configure = append(o.configure, fn) }
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:               "development",
		Port:                 "0",
		AppURL:               "http://localhost:3000",
		IdleTimeout:          60 * time.Second,
		SweepInterval:        15 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
		MaxConnections:       10,
		ConnectionBuffer:     8,
		PublishRateLimit:     1000,
		PublishRateBurst:     1000,
	}
}

// newTestServer wires a real hub, worker and registry without change sources.
func newTestServer(t *testing.T, opts ...testServerOption) *Server {
	t.Helper()

	var o testServerOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := testConfig()
	for _, fn := range o.configure {
		fn(cfg)
	}

	clock := clockwork.NewRealClock()
	reg := metrics.NewRegistry()
	worker := distribution.NewWorker(clock, nil, nil, distribution.Config{})

	var hub *app.Hub
	registry := broadcast.NewRegistry(clock, nil,
		func(organizationID string) { hub.OnOrganizationActive(organizationID) },
		func(organizationID string) { hub.OnOrganizationEmpty(organizationID) },
	)
	hub = app.NewHub(worker, registry)

	srv := NewServer(cfg, clock, hub, registry, metrics.NewHTTPMetrics(reg), metrics.Handler(reg), o.healthChecks)
	t.Cleanup(func() { _ = hub.Shutdown() })
	return srv
}

func testRegistry(t *testing.T, srv *Server) *broadcast.Registry {
	t.Helper()
	registry, ok := srv.registry.(*broadcast.Registry)
	if !ok {
		t.Fatalf("registry is %T", srv.registry)
	}
	return registry
}
