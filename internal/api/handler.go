package api

import (
	"log/slog"

	"github.com/shaiso/Conductor/internal/concurrency"
	"github.com/shaiso/Conductor/internal/orchestration"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/scheduler"
	"github.com/shaiso/Conductor/internal/settings"
	"github.com/shaiso/Conductor/internal/workqueue"
)

// UIHeader — заголовок запросов из UI. Такие get_runs не считаются опросом.
const UIHeader = "X-Conductor-UI"

// Handler — обработчик API с зависимостями.
type Handler struct {
	engine       *orchestration.Engine
	slots        *concurrency.Manager
	queues       *workqueue.Service
	deployments  repo.DeploymentStore
	materializer *scheduler.Materializer
	settings     *settings.Cache
	policies     repo.NotificationStore
	logs         repo.LogStore
	logger       *slog.Logger
}

// Config — конфигурация Handler.
type Config struct {
	Engine       *orchestration.Engine
	Slots        *concurrency.Manager
	Queues       *workqueue.Service
	Deployments  repo.DeploymentStore
	Materializer *scheduler.Materializer
	Settings     *settings.Cache
	Policies     repo.NotificationStore
	Logs         repo.LogStore
	Logger       *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:       cfg.Engine,
		slots:        cfg.Slots,
		queues:       cfg.Queues,
		deployments:  cfg.Deployments,
		materializer: cfg.Materializer,
		settings:     cfg.Settings,
		policies:     cfg.Policies,
		logs:         cfg.Logs,
		logger:       logger,
	}
}
