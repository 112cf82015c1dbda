package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/steveapo/oikion-realtime/internal/adapter/httpserver"
	"github.com/steveapo/oikion-realtime/internal/adapter/metrics"
	"github.com/steveapo/oikion-realtime/internal/adapter/postgres"
	"github.com/steveapo/oikion-realtime/internal/adapter/redis"
	"github.com/steveapo/oikion-realtime/internal/app"
	"github.com/steveapo/oikion-realtime/internal/broadcast"
	"github.com/steveapo/oikion-realtime/internal/distribution"
	"github.com/steveapo/oikion-realtime/internal/domain"
	"github.com/steveapo/oikion-realtime/internal/platform/config"
	"github.com/steveapo/oikion-realtime/internal/platform/logging"
	"github.com/steveapo/oikion-realtime/internal/platform/version"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, clock clockwork.Clock, m *metrics.DatabaseMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, clock, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if cfg.DatabaseMigrate {
		if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	return pool
}

func setupRedis(cfg *config.Config, clock clockwork.Clock, m *metrics.RedisMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, clock, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *httpserver.Server, hub *app.Hub, stopSweeper context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopSweeper()
		if err := hub.Shutdown(); err != nil {
			slog.Error("Realtime hub shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	reg := metrics.NewRegistry()

	var (
		sources      []domain.ChangeSource
		relay        domain.Relay
		healthChecks []httpserver.HealthCheck
	)

	if cfg.DatabaseURL != "" {
		pool := setupDB(cfg, clock, metrics.NewDatabaseMetrics(reg))
		defer pool.Close()

		sources = append(sources, postgres.NewChangeSource(pool, cfg.PGNotifyChannel, clock))
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	}

	if cfg.RedisURL != "" {
		redisClient := setupRedis(cfg, clock, metrics.NewRedisMetrics(reg))
		defer func() { _ = redisClient.Close() }()

		redisSource := redis.NewChangeSource(redisClient, cfg.RedisChangeChannel)
		sources = append(sources, redisSource)
		if cfg.RelayPublishedEvents {
			relay = redisSource
			slog.Info("Relaying published events through Redis", "channel", cfg.RedisChangeChannel)
		}
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	worker := distribution.NewWorker(clock, sources, metrics.NewWorkerMetrics(reg), distribution.Config{
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Relay:                relay,
	})

	// The registry hooks and the hub reference each other; the closures
	// resolve hub once it is assigned below.
	var hub *app.Hub
	registry := broadcast.NewRegistry(clock, metrics.NewConnectionMetrics(reg),
		func(organizationID string) { hub.OnOrganizationActive(organizationID) },
		func(organizationID string) { hub.OnOrganizationEmpty(organizationID) },
	)
	hub = app.NewHub(worker, registry)

	startCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err := hub.Initialize(startCtx)
	cancel()
	if err != nil {
		slog.Error("Failed to start realtime hub", "error", err)
		os.Exit(1)
	}

	healthChecks = append(healthChecks, httpserver.HealthCheck{
		Name: "worker",
		Check: func(context.Context) error {
			if status := hub.Status().Worker; !status.IsRunning {
				return errors.New("distribution worker is " + string(status.State))
			}
			return nil
		},
	})

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go app.NewSweeper(registry, clock, cfg.SweepInterval, cfg.IdleTimeout).Run(sweepCtx)

	srv := httpserver.NewServer(cfg, clock, hub, registry, metrics.NewHTTPMetrics(reg), metrics.Handler(reg), healthChecks)

	done := runGracefulShutdown(srv, hub, stopSweeper)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
