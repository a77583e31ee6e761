package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/notifyhub/durable-subscriptions/internal/api"
	"github.com/notifyhub/durable-subscriptions/internal/config"
	"github.com/notifyhub/durable-subscriptions/internal/db"
	"github.com/notifyhub/durable-subscriptions/internal/durable"
	"github.com/notifyhub/durable-subscriptions/internal/metrics"
	"github.com/notifyhub/durable-subscriptions/internal/ratelimiter"
	"github.com/notifyhub/durable-subscriptions/internal/repository"
	"github.com/notifyhub/durable-subscriptions/internal/service"
	"github.com/notifyhub/durable-subscriptions/internal/store"
	"github.com/notifyhub/durable-subscriptions/internal/subscription"
	"github.com/notifyhub/durable-subscriptions/internal/worker"
)

func main() {
	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	clk := clock.New()

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	persistPool := worker.NewTaskPool("persist", cfg.PersistWorkers, cfg.PersistQueueSize, logger, m.PoolHooks("persist"))
	persistPool.Start(workerCtx)
	dispatchPool := worker.NewTaskPool("dispatch", cfg.DispatchWorkers, cfg.PersistQueueSize, logger, m.PoolHooks("dispatch"))
	dispatchPool.Start(workerCtx)

	var persistor *durable.Persistor
	if cfg.DurableQueues {
		persistor, err = durable.NewPersistor(durable.BatchDir(cfg.DataDir), persistPool, durable.PersistorOptions{
			Compression: cfg.Compression(),
			Limiter:     ratelimiter.New(cfg.PersistRateLimit, cfg.RestoreRateLimit),
			Hooks:       m.PersistorHooks(),
		}, logger)
		if err != nil {
			logger.Fatal("failed to create batch persistor", zap.Error(err))
		}
	}
	factory, err := durable.NewFactory(durable.FactoryConfig{
		DataDir:         cfg.DataDir,
		Durable:         cfg.DurableQueues,
		BatchSize:       cfg.BatchSize,
		Compression:     cfg.Compression(),
		SnapshotWorkers: cfg.SnapshotWorkers,
		OnLiveQueues:    m.LiveQueuesHook(),
	}, persistor, logger)
	if err != nil {
		logger.Fatal("failed to create queue factory", zap.Error(err))
	}

	// ---- subscription store ----
	repo, closeRepo := openRepository(ctx, cfg, logger)
	defer closeRepo()
	subStore := store.NewSubscriptionStore(repo, factory, logger)

	manager := subscription.NewManager(subscription.Options{
		Limits:     limitsFrom(cfg),
		Factory:    factory,
		Store:      subStore,
		Dispatcher: worker.NewRequestQueue(dispatchPool),
		Clock:      clk,
		Hooks:      m.ManagerHooks(),
	}, logger)

	if err := manager.Startup(ctx); err != nil {
		// A failed cleanup leaves stale artifacts behind but the restored
		// subscriptions are usable.
		logger.Warn("subscription restore finished with errors", zap.Error(err))
	}

	timer := worker.NewPublishTimer(manager, clk, cfg.TimerResolution, logger)
	stopTimer := timer.Start(workerCtx)

	svc := service.NewSubscriptionService(manager, cfg.PublishTimeout, clk, logger)

	// ---- HTTP server ----
	router := api.NewRouter(svc, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Bool("durable_queues", cfg.DurableQueues))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop the publish timer so no cycle runs while subscriptions are stored.
	stopTimer()

	// 3. Store durable subscriptions and their queues, fail held publishes.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to store durable subscriptions", zap.Error(err))
	}

	// 4. Stop the workers, then drain in-flight batch writes.
	cancelWorkers()
	factory.Close()
	dispatchPool.Stop()
	persistPool.Stop()

	logger.Info("server stopped cleanly")
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// openRepository selects the subscription metadata backend. The returned
// func releases its resources.
func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.SubscriptionRepository, func()) {
	if cfg.StoreBackend != config.StorePostgres {
		repo, err := repository.NewFileSubscriptionRepository(filepath.Join(cfg.DataDir, repository.DefaultStoreFile), cfg.Compression())
		if err != nil {
			logger.Fatal("failed to open subscription store", zap.Error(err))
		}
		return repo, func() {}
	}

	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		pool.Close()
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")
	return repository.NewPgSubscriptionRepository(pool, cfg.Compression()), pool.Close
}

func limitsFrom(cfg *config.Config) subscription.Limits {
	l := subscription.DefaultLimits()
	l.MaxSubscriptions = cfg.MaxSubscriptions
	l.MaxItemsPerSubscription = cfg.MaxItemsPerSubscription
	l.MaxPublishRequestsPerSession = cfg.MaxPublishRequests
	l.MaxRetransmissionQueue = cfg.MaxRetransmissionQueue
	l.MinPublishingInterval = cfg.MinPublishingInterval
	l.MaxPublishingInterval = cfg.MaxPublishingInterval
	l.MaxNotificationsPerPublish = uint32(cfg.MaxNotificationsPerPublish)
	l.MaxQueueSize = uint32(cfg.MaxQueueSize)
	l.MaxDurableQueueSize = uint32(cfg.MaxDurableQueueSize)
	l.MaxDurableLifetime = cfg.MaxDurableLifetime
	return l
}
