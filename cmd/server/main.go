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

	"github.com/openeats/realtime/internal/config"
	"github.com/openeats/realtime/internal/database"
	"github.com/openeats/realtime/internal/dispatch"
	"github.com/openeats/realtime/internal/lifecycle"
	"github.com/openeats/realtime/internal/logging"
	"github.com/openeats/realtime/internal/redis"
	"github.com/openeats/realtime/internal/registry"
	"github.com/openeats/realtime/internal/server"
	"github.com/openeats/realtime/internal/sweeper"
	"github.com/openeats/realtime/internal/version"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, reg *registry.Registry, sweep *sweeper.Sweeper) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		sweep.Stop()
		reg.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.String(), "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(context.Background(), cfg)
	defer func() { _ = redisClient.Close() }()

	connRepo := database.NewConnectionRepo(pool)
	subRepo := database.NewSubscriptionRepo(pool)
	notifRepo := database.NewNotificationRepo(pool)

	unreadCache := redis.NewUnreadCache(redisClient, notifRepo)
	publishLimiter := redis.NewPublishRateLimiter(redisClient, clock, cfg.PublishRateCapacity, cfg.PublishRatePerMin)

	reg := registry.New(clock)
	manager := lifecycle.NewManager(reg, connRepo, subRepo, clock)
	dispatcher := dispatch.NewDispatcher(reg, subRepo, connRepo, notifRepo, unreadCache, clock)

	sweep := sweeper.New(connRepo, clock, cfg.SweepInterval, cfg.SweepThreshold)
	go sweep.Start(context.Background())

	srv := server.NewServer(cfg, server.Dependencies{
		Lifecycle:      manager,
		Dispatcher:     dispatcher,
		Connections:    connRepo,
		Subscriptions:  subRepo,
		Notifications:  notifRepo,
		UnreadCache:    unreadCache,
		PublishLimiter: publishLimiter,
		DB:             pool,
		Redis:          redisClient,
	})

	done := runGracefulShutdown(srv, reg, sweep)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
