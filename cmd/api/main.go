package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/deploydeck/deploydeck/internal/app/migrate"
	"github.com/deploydeck/deploydeck/internal/bus"
	httpx "github.com/deploydeck/deploydeck/internal/http"
	"github.com/deploydeck/deploydeck/internal/ports"
	"github.com/deploydeck/deploydeck/internal/realtime"
	"github.com/deploydeck/deploydeck/internal/repository/postgres"
	"github.com/deploydeck/deploydeck/internal/service/ingest"
	"github.com/deploydeck/deploydeck/internal/service/scheduler"
	"github.com/deploydeck/deploydeck/internal/status"
	"github.com/deploydeck/deploydeck/pkg/config"
	"github.com/deploydeck/deploydeck/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Error("redis ping failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	eventBus := bus.NewRedisBus(redisClient, log)
	defer eventBus.Close()

	registry, err := ports.NewRegistry(ports.NewRedisKV(redisClient), ports.Config{
		RangeMin:     cfg.PortRangeMin,
		RangeMax:     cfg.PortRangeMax,
		EntryTTL:     cfg.PortEntryTTL,
		ReleaseGrace: cfg.PortReleaseGrace,
	}, log)
	if err != nil {
		log.Error("failed to configure port registry", "error", err)
		os.Exit(1)
	}

	probers := []status.Prober{status.NewProcessProber(log)}
	if cfg.DockerStatsEnable {
		docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			log.Warn("docker unavailable, container probing disabled", "error", err)
		} else {
			defer docker.Close()
			probers = append(probers, status.NewDockerProber(docker, log))
		}
	}
	collector := status.NewCollector(probers, cfg.ProbeTimeout, log)

	ingestSvc := ingest.NewService(repo, repo, repo, eventBus, log)

	sched := scheduler.New(repo, collector, eventBus, cfg.StatusInterval, log)
	go sched.Run(ctx)

	hub := realtime.NewHub(eventBus, cfg.HeartbeatSweepInterval, cfg.ConnectionIdleTimeout, log)
	if err := hub.Start(ctx); err != nil {
		log.Error("failed to start realtime hub", "error", err)
		os.Exit(1)
	}
	defer hub.Close()

	limiter := httpx.NewMemoryRateLimiter()
	if cfg.RateLimitRedisEnable {
		limiter.Close()
		limiter = httpx.NewRedisRateLimiter(redisClient, log)
	}

	router := httpx.NewRouter(httpx.Deps{
		Logger:      log,
		Ingest:      ingestSvc,
		Ports:       registry,
		Deployments: repo,
		Steps:       repo,
		Projects:    repo,
		Hub:         hub,
		Trigger:     sched,
		Limiter:     limiter,
		JWTSecret:   cfg.JWTSecret,
		DBHealth:    pool.Ping,
		RedisHealth: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
