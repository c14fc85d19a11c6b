// Conductor Scheduler — материализует расписания deployments в runs.
//
// Несколько экземпляров конкурируют за pg advisory lock; тики
// выполняет только лидер. Материализация идемпотентна, поэтому смена
// лидера не создаёт дубликатов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conductor/internal/concurrency"
	"github.com/shaiso/Conductor/internal/config"
	"github.com/shaiso/Conductor/internal/mq"
	"github.com/shaiso/Conductor/internal/orchestration"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/scheduler"
	"github.com/shaiso/Conductor/internal/settings"
	"github.com/shaiso/Conductor/internal/telemetry"
)

const settingsTTL = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting conductor-scheduler")

	// graceful shutdown
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
		}
	}

	cache := settings.New(settings.Config{Store: store, TTL: settingsTTL})
	engine := orchestration.New(orchestration.Config{
		Runs:             store,
		Deployments:      store,
		Slots:            concurrency.New(concurrency.Config{Store: store, Logger: logger}),
		Settings:         cache,
		Notifier:         notifier,
		MaxCommitRetries: cfg.Orchestration.MaxCommitRetries,
		SlotWait:         cfg.Orchestration.SlotWait,
		Logger:           logger,
	})
	sched := scheduler.New(scheduler.Config{
		Deployments: store,
		Materializer: scheduler.NewMaterializer(scheduler.MaterializerConfig{
			Deployments:      store,
			Runs:             engine,
			MaxRuns:          cfg.Scheduler.MaxRuns,
			MaxScheduledTime: cfg.Scheduler.MaxScheduledTime,
			Logger:           logger,
		}),
		Parallelism: cfg.Scheduler.Parallelism,
		Logger:      logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		telemetry.HTTPRequestsTotal.WithLabelValues("scheduler").Inc()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	go runLeader(ctx, pool, cfg.Scheduler, sched, logger)

	port := ":" + cfg.Scheduler.Port
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("conductor-scheduler stopped")
}

// runLeader пытается стать лидером на каждом тике и, будучи лидером,
// материализует расписания. Advisory lock сессионный, поэтому
// удерживается на выделенном соединении.
func runLeader(ctx context.Context, pool *pgxpool.Pool, cfg config.SchedulerConfig, sched *scheduler.Scheduler, logger *slog.Logger) {
	tk := time.NewTicker(cfg.Interval)
	defer tk.Stop()

	var lockConn *pgxpool.Conn
	defer func() {
		if lockConn != nil {
			_, _ = lockConn.Exec(context.Background(), "select pg_advisory_unlock($1)", cfg.LockKey)
			lockConn.Release()
		}
	}()

	for {
		select {
		case <-tk.C:
			if lockConn == nil {
				conn, err := pool.Acquire(ctx)
				if err != nil {
					logger.Warn("acquire lock connection", "error", err)
					continue
				}
				var ok bool
				if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", cfg.LockKey).Scan(&ok); err != nil || !ok {
					if err != nil {
						logger.Warn("advisory lock", "error", err)
					}
					conn.Release()
					continue
				}
				lockConn = conn
				logger.Info("became scheduler leader", "lock_key", cfg.LockKey)
			} else if err := lockConn.Ping(ctx); err != nil {
				// Сессия потеряна вместе с блокировкой.
				logger.Warn("lost scheduler leadership", "error", err)
				lockConn.Release()
				lockConn = nil
				continue
			}

			res, err := sched.Tick(ctx)
			if err != nil {
				logger.Error("scheduler tick failed", "error", err)
				continue
			}
			logger.Debug("scheduler tick",
				"schedules", res.Schedules,
				"created", res.Created,
				"existing", res.Existing,
				"failed", res.Failed,
			)

		case <-ctx.Done():
			return
		}
	}
}
