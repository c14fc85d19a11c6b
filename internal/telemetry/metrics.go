package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики control plane. Регистрируются в глобальном реестре при импорте.
var (
	// TransitionsTotal — результаты предложений перехода.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_transitions_total",
		Help: "State transition proposals by run kind and result status",
	}, []string{"kind", "status"})

	// TransitionConflictsTotal — конфликты версий при коммите.
	TransitionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_transition_conflicts_total",
		Help: "Optimistic concurrency conflicts while committing transitions",
	})

	// SlotAcquisitionsTotal — попытки занять слоты конкурентности.
	SlotAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_slot_acquisitions_total",
		Help: "Concurrency slot acquisition attempts by result",
	}, []string{"result"})

	// WorkQueueStatusChangesTotal — смены статуса work queue.
	WorkQueueStatusChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_work_queue_status_changes_total",
		Help: "Work queue status changes by new status",
	}, []string{"status"})

	// ScheduledRunsTotal — runs, созданные материализатором.
	ScheduledRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_scheduled_runs_total",
		Help: "Scheduled run materialization results (created, existing, error)",
	}, []string{"result"})

	// EffectsProcessedTotal — обработанные побочные эффекты.
	EffectsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_effects_processed_total",
		Help: "Side effects processed by kind and result",
	}, []string{"kind", "result"})

	// HTTPRequestsTotal — HTTP запросы сервисов.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_http_requests_total",
		Help: "Total HTTP requests handled",
	}, []string{"service"})
)
