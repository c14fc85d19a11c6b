package repo

// schema — DDL control plane.
//
// runs.version совпадает с числом строк run_states для run:
// коммит перехода обновляет run только при совпадении версии и
// дописывает состояние с position = version.
const schema = `
CREATE TABLE IF NOT EXISTS work_queues (
	id                UUID PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	description       TEXT,
	concurrency_limit INTEGER,
	priority          INTEGER NOT NULL DEFAULT 1,
	is_paused         BOOLEAN NOT NULL DEFAULT FALSE,
	status            TEXT NOT NULL DEFAULT 'NOT_READY',
	last_polled       TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS deployments (
	id            UUID PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	work_queue_id UUID REFERENCES work_queues(id) ON DELETE SET NULL,
	tags          TEXT[] NOT NULL DEFAULT '{}',
	policy        JSONB NOT NULL DEFAULT '{}',
	is_paused     BOOLEAN NOT NULL DEFAULT FALSE,
	status        TEXT NOT NULL DEFAULT 'NOT_READY',
	last_polled   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS deployments_work_queue_idx ON deployments (work_queue_id);

CREATE TABLE IF NOT EXISTS deployment_schedules (
	id            UUID PRIMARY KEY,
	deployment_id UUID NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
	schedule      JSONB NOT NULL,
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS runs (
	id                  UUID PRIMARY KEY,
	kind                TEXT NOT NULL,
	name                TEXT,
	deployment_id       UUID,
	work_queue_id       UUID,
	parent_run_id       UUID,
	task_key            TEXT,
	dynamic_key         TEXT,
	tags                TEXT[] NOT NULL DEFAULT '{}',
	idempotency_scope   UUID NOT NULL,
	idempotency_key     TEXT,
	policy              JSONB NOT NULL DEFAULT '{}',
	state               JSONB NOT NULL,
	state_type          TEXT NOT NULL,
	version             BIGINT NOT NULL,
	run_count           INTEGER NOT NULL DEFAULT 0,
	start_time          TIMESTAMPTZ,
	end_time            TIMESTAMPTZ,
	expected_start_time TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency_idx
	ON runs (kind, idempotency_scope, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS runs_queue_state_idx ON runs (work_queue_id, state_type, expected_start_time);
CREATE INDEX IF NOT EXISTS runs_parent_idx ON runs (parent_run_id);

CREATE TABLE IF NOT EXISTS run_states (
	run_id     UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position   BIGINT NOT NULL,
	state      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS concurrency_limits (
	id                    UUID PRIMARY KEY,
	key                   TEXT NOT NULL UNIQUE,
	"limit"               INTEGER NOT NULL CHECK ("limit" >= 0),
	active_slots          UUID[] NOT NULL DEFAULT '{}',
	slot_decay_per_second DOUBLE PRECISION NOT NULL DEFAULT 0,
	decayed_occupancy     DOUBLE PRECISION NOT NULL DEFAULT 0,
	decay_updated_at      TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS side_effects (
	id            UUID PRIMARY KEY,
	kind          TEXT NOT NULL,
	run_id        UUID NOT NULL,
	limit_keys    TEXT[] NOT NULL DEFAULT '{}',
	work_queue_id UUID,
	state_type    TEXT,
	state_name    TEXT,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	available_at  TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS side_effects_pending_idx ON side_effects (available_at) WHERE status = 'PENDING';

CREATE TABLE IF NOT EXISTS notification_policies (
	id          UUID PRIMARY KEY,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	state_names TEXT[] NOT NULL DEFAULT '{}',
	tags        TEXT[] NOT NULL DEFAULT '{}',
	target      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS configuration (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS logs (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	level      INTEGER NOT NULL,
	message    TEXT NOT NULL,
	run_id     UUID,
	timestamp  TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS logs_run_timestamp_idx ON logs (run_id, timestamp);

CREATE TABLE IF NOT EXISTS agents (
	id                 UUID PRIMARY KEY,
	work_queue_id      UUID NOT NULL REFERENCES work_queues(id) ON DELETE CASCADE,
	last_activity_time TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS agents_work_queue_idx ON agents (work_queue_id);
`
