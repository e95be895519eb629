package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/database"
	"fieldsync/internal/deadletter"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/events"
	"fieldsync/internal/handlers"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/poller"
	"fieldsync/internal/remote"
	"fieldsync/internal/repository"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const deadLetterLimit = 1000

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	sessions := initSessions(cfg, redisClient, &logger)

	remoteClient := remote.NewClient(cfg.Remote, &logger)
	if redisClient != nil && cfg.Remote.CacheTTL > 0 {
		remoteClient.UseRedisCache(redisClient, cfg.Remote.CacheTTL)
	}

	monitor := connectivity.NewMonitor(remoteClient, cfg.Remote.HealthInterval, false, &logger)
	bus := events.NewEventBus()
	subscribeEvents(bus, &logger)

	var deadLetters domain.DeadLetterSink
	var deadLetterList api.DeadLetters
	if redisClient != nil {
		sink := deadletter.NewRedisSink(redisClient, cfg.Sync.DeadLetterKey, deadLetterLimit)
		deadLetters, deadLetterList = sink, sink
	}

	orch, err := engine.New(engine.Deps{
		Queue:        db,
		Metadata:     db,
		Connectivity: monitor,
		Sessions:     sessions,
		DeadLetters:  deadLetters,
		Events:       bus,
	}, engine.Options{
		MaxRetries:           cfg.Sync.MaxRetries,
		LoginSyncConcurrency: cfg.Sync.LoginSyncConcurrency,
		RetryInterval:        cfg.Sync.RetryInterval,
	}, &logger)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	entityHandlers, err := handlers.Build(handlers.DefaultCatalog(), remoteClient, db, db, &logger)
	if err != nil {
		return fmt.Errorf("build handlers: %w", err)
	}
	handlerStats := make([]api.HandlerStats, 0, len(entityHandlers))
	for _, h := range entityHandlers {
		if err := orch.RegisterHandler(h); err != nil {
			return fmt.Errorf("register %s handler: %w", h.EntityType(), err)
		}
		handlerStats = append(handlerStats, h)
	}

	mode, err := poller.ParseMode(cfg.Polling.InitialMode)
	if err != nil {
		return err
	}
	poll, err := poller.New(poller.Deps{
		Metadata:     db,
		Connectivity: monitor,
		Sessions:     sessions,
		Remote:       remoteClient,
		Resyncer:     orch,
		Outbox:       orch,
		Events:       bus,
	}, poller.Options{
		ActiveInterval:     cfg.Polling.ActiveInterval,
		BackgroundInterval: cfg.Polling.BackgroundInterval,
		InitialMode:        mode,
	}, &logger)
	if err != nil {
		return fmt.Errorf("init poller: %w", err)
	}

	// The poller runs the full post-login sync for the new user afterwards.
	poll.OnUserChange(func(ctx context.Context, previous, current string) {
		if err := db.ClearCached(ctx); err != nil {
			logger.Error().Err(err).Msg("clear entity cache after user change")
		}
	})
	monitor.OnChange(func(ctx context.Context, online bool) {
		if !online {
			poll.SetMode(poller.ModeOffline)
			return
		}
		poll.SetMode(mode)
		orch.TriggerSync(ctx)
		go func() {
			if _, err := poll.ForceCheck(ctx); err != nil {
				logger.Warn().Err(err).Msg("delta check after reconnect failed")
			}
		}()
	})

	startMetrics(ctx, cfg, &logger)

	// Workers touching the store finish before it is closed.
	var workers sync.WaitGroup
	defer func() {
		stop()
		workers.Wait()
	}()
	snapshots := database.NewSnapshotService(db, cfg.Database.Path, cfg.Backup, &logger)
	for _, start := range []func(context.Context){snapshots.Start, monitor.Start, orch.Start} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			start(ctx)
		}()
	}

	if err := poll.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer poll.Stop()

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.Deps{
			Outbox:      orch,
			Poller:      poll,
			DeadLetters: deadLetterList,
			Handlers:    handlerStats,
		}, &logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().
		Str("device_id", cfg.Device.ID).
		Int("handlers", orch.HandlerCount()).
		Str("poll_mode", mode.String()).
		Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("sync daemon stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App, cfg.Device)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := *logging.Component(baseLogger, "fieldsyncd")

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = repository.Close(redisClient)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initSessions reads the device session from Redis when available and keeps
// an in-memory copy to fall back on.
func initSessions(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) *repository.DeviceSessions {
	var repo domain.SessionRepository = repository.NewMemorySessionRepository()
	if redisClient != nil {
		primary := repository.NewRedisSessionRepository(redisClient, cfg.Sync.SessionKeyPrefix, 0)
		repo = repository.NewFailoverSessionRepository(primary, repo, logger)
	}
	return repository.NewDeviceSessions(repo, cfg.Device.ID)
}

func subscribeEvents(bus *events.EventBus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventOperationStalled, func(ev *events.Event) error {
		var payload events.OperationEventPayload
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		logger.Warn().
			Int64("operation_id", payload.OperationID).
			Str("entity_type", payload.EntityType).
			Str("owner_user_id", payload.OwnerUserID).
			Str("code", payload.Code).
			Msg("operation stalled, manual retry required")
		return nil
	})
	bus.Subscribe(events.EventUserChanged, func(ev *events.Event) error {
		var payload events.UserChangedPayload
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		logger.Info().Str("previous_user_id", payload.PreviousUserID).Str("current_user_id", payload.CurrentUserID).Msg("device user changed")
		return nil
	})
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
