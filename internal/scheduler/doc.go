// Package scheduler материализует расписания deployments в SCHEDULED runs.
//
// Структура:
//   - recurrence.go   — интерфейс Recurrence и интервальные расписания
//   - cron.go         — cron-выражения (robfig/cron)
//   - rrule.go        — правила RFC 5545 (rrule-go)
//   - materializer.go — создание runs для окна запусков
//   - scheduler.go    — Tick: все активные расписания с ограниченным параллелизмом
//
// Использование:
//
//	m := scheduler.NewMaterializer(scheduler.MaterializerConfig{
//	    Deployments: store,
//	    Runs:        engine,
//	})
//	sched := scheduler.New(scheduler.Config{Deployments: store, Materializer: m})
//
//	// Вызывается каждый тик
//	if _, err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock.
// Метод Tick() вызывается только лидером. Даже при двух лидерах
// дубликатов не будет: runs создаются по ключу идемпотентности.
package scheduler
