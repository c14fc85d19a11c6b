// Conductor Effects — обрабатывает outbox побочных эффектов переходов.
//
// Worker:
//   - Освобождает слоты конкурентности завершённых runs
//   - Переводит work queues в READY после постановки runs
//   - Публикует уведомления по активным политикам
//   - Переводит устаревшие READY очереди в NOT_READY
//
// Просыпается по сообщению effects.pending и по таймеру. Несколько
// экземпляров безопасны: записи захватываются с арендой.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conductor/internal/concurrency"
	"github.com/shaiso/Conductor/internal/config"
	"github.com/shaiso/Conductor/internal/effects"
	"github.com/shaiso/Conductor/internal/mq"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/settings"
	"github.com/shaiso/Conductor/internal/telemetry"
	"github.com/shaiso/Conductor/internal/workqueue"
)

const settingsTTL = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting conductor-effects")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, repo.PoolConfig{
		DSN:      cfg.Database.URL,
		MaxConns: int32(cfg.Database.MaxConns),
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	store := repo.NewPostgresStore(pool)

	// RabbitMQ
	var mqConn *mq.Connection
	var notifications effects.NotificationPublisher
	if cfg.RabbitMQ.URL != "" {
		mqConn, err = mq.NewConnection(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			notifications = mq.NewPublisher(mqConn, logger)
		}
	}

	cache := settings.New(settings.Config{Store: store, TTL: settingsTTL})
	slots := concurrency.New(concurrency.Config{Store: store, Logger: logger})
	tracker := workqueue.NewTracker(workqueue.TrackerConfig{
		Queues:      store,
		Deployments: store,
		Settings:    cache,
		StaleAfter:  cfg.WorkQueues.StaleAfter,
		Logger:      logger,
	})

	w := effects.NewWorker(effects.Config{
		Effects:       store,
		Runs:          store,
		Policies:      store,
		Slots:         slots,
		Queues:        tracker,
		Sweeper:       tracker,
		Notifications: notifications,
		Conn:          mqConn,
		PollInterval:  cfg.Effects.PollInterval,
		BatchSize:     cfg.Effects.BatchSize,
		Lease:         cfg.Effects.Lease,
		MaxAttempts:   cfg.Effects.MaxAttempts,
		Backoff:       cfg.Effects.Backoff,
		Logger:        logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start effects worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		telemetry.HTTPRequestsTotal.WithLabelValues("effects").Inc()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":" + cfg.Effects.Port
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	w.Stop()
	logger.Info("conductor-effects stopped")
}
