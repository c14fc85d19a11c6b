package repo

import "github.com/jackc/pgx/v5/pgxpool"

// PostgresStore — Store поверх одного пула соединений.
type PostgresStore struct {
	*RunRepo
	*ConcurrencyRepo
	*WorkQueueRepo
	*DeploymentRepo
	*EffectRepo
	*NotificationRepo
	*ConfigurationRepo
	*LogRepo
	*AgentRepo
}

// NewPostgresStore создаёт Store из пула.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		RunRepo:           NewRunRepo(pool),
		ConcurrencyRepo:   NewConcurrencyRepo(pool),
		WorkQueueRepo:     NewWorkQueueRepo(pool),
		DeploymentRepo:    NewDeploymentRepo(pool),
		EffectRepo:        NewEffectRepo(pool),
		NotificationRepo:  NewNotificationRepo(pool),
		ConfigurationRepo: NewConfigurationRepo(pool),
		LogRepo:           NewLogRepo(pool),
		AgentRepo:         NewAgentRepo(pool),
	}
}

var _ Store = (*PostgresStore)(nil)
