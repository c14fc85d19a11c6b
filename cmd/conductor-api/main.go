// Conductor API — HTTP-сервер control plane.
//
// API:
//   - Принимает предложения переходов состояний и создание runs
//   - Управляет лимитами конкурентности, work queues и deployments
//   - Отдаёт статус и здоровье work queues
//
// Побочные эффекты переходов записываются в outbox и обрабатываются
// conductor-effects; API только будит его через RabbitMQ.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conductor/internal/api"
	"github.com/shaiso/Conductor/internal/concurrency"
	"github.com/shaiso/Conductor/internal/config"
	"github.com/shaiso/Conductor/internal/mq"
	"github.com/shaiso/Conductor/internal/orchestration"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/scheduler"
	"github.com/shaiso/Conductor/internal/settings"
	"github.com/shaiso/Conductor/internal/telemetry"
	"github.com/shaiso/Conductor/internal/workqueue"
)

const settingsTTL = 10 * time.Second

var startTime = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting conductor-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, repo.PoolConfig{
		DSN:      cfg.Database.URL,
		MaxConns: int32(cfg.Database.MaxConns),
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if cfg.Database.Migrate {
		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
	}

	store := repo.NewPostgresStore(pool)

	// RabbitMQ (опционально): без него effects worker работает на polling
	var notifier orchestration.EffectsNotifier
	if cfg.RabbitMQ.URL != "" {
		mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, effects worker will rely on polling", "error", err)
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			notifier = mq.NewPublisher(mqConn, logger)
			logger.Info("RabbitMQ connected")
		}
	}

	cache := settings.New(settings.Config{Store: store, TTL: settingsTTL})
	slots := concurrency.New(concurrency.Config{Store: store, Logger: logger})
	engine := orchestration.New(orchestration.Config{
		Runs:             store,
		Deployments:      store,
		Slots:            slots,
		Settings:         cache,
		Notifier:         notifier,
		MaxCommitRetries: cfg.Orchestration.MaxCommitRetries,
		SlotWait:         cfg.Orchestration.SlotWait,
		Logger:           logger,
	})
	tracker := workqueue.NewTracker(workqueue.TrackerConfig{
		Queues:      store,
		Deployments: store,
		Settings:    cache,
		StaleAfter:  cfg.WorkQueues.StaleAfter,
		Logger:      logger,
	})
	queues := workqueue.NewService(workqueue.ServiceConfig{
		Queues:  store,
		Runs:    store,
		Limits:  slots,
		Tracker: tracker,
		Agents:  store,
		Logger:  logger,
	})
	materializer := scheduler.NewMaterializer(scheduler.MaterializerConfig{
		Deployments:      store,
		Runs:             engine,
		MaxRuns:          cfg.Scheduler.MaxRuns,
		MaxScheduledTime: cfg.Scheduler.MaxScheduledTime,
		Logger:           logger,
	})

	handler := api.NewHandler(api.Config{
		Engine:       engine,
		Slots:        slots,
		Queues:       queues,
		Deployments:  store,
		Materializer: materializer,
		Settings:     cache,
		Policies:     store,
		Logs:         store,
		Logger:       logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		telemetry.HTTPRequestsTotal.WithLabelValues("api").Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	addr := ":" + cfg.API.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
