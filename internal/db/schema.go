package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Schema statements are idempotent so startup can apply them on every boot.
// Real migrations live in the surrounding deployment tooling; this bootstrap
// only guarantees a usable schema for local and test runs.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		first_name      TEXT NOT NULL,
		last_name       TEXT NOT NULL DEFAULT '',
		email           TEXT NOT NULL,
		timezone        TEXT NOT NULL,
		birthday        DATE,
		anniversary     DATE,
		city            TEXT,
		country         TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at      TIMESTAMPTZ
	)`,

	// Email unique among non-deleted users only
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_live_uq
		ON users (email) WHERE deleted_at IS NULL`,

	// Calendar-day lookup for the daily materializer, non-deleted only
	`CREATE INDEX IF NOT EXISTS users_birthday_md_idx
		ON users (EXTRACT(MONTH FROM birthday), EXTRACT(DAY FROM birthday))
		WHERE deleted_at IS NULL AND birthday IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS users_anniversary_md_idx
		ON users (EXTRACT(MONTH FROM anniversary), EXTRACT(DAY FROM anniversary))
		WHERE deleted_at IS NULL AND anniversary IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS message_log (
		id                   TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		message_type         TEXT NOT NULL,
		message_body         TEXT NOT NULL,
		scheduled_send_time  TIMESTAMPTZ NOT NULL,
		actual_send_time     TIMESTAMPTZ,
		status               TEXT NOT NULL,
		retry_count          INT NOT NULL DEFAULT 0,
		idempotency_key      TEXT NOT NULL,
		api_response_code    INT,
		api_response_body    TEXT,
		error_message        TEXT,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// The serialization point for idempotency: at most one non-terminal
	// record per key. Terminal rows (SENT, FAILED) stay for audit and do
	// not block re-creation after a reschedule.
	`CREATE UNIQUE INDEX IF NOT EXISTS message_log_idemkey_live_uq
		ON message_log (idempotency_key)
		WHERE status IN ('SCHEDULED', 'QUEUED', 'SENDING', 'FAILED_RETRY')`,

	`CREATE INDEX IF NOT EXISTS message_log_user_sched_idx
		ON message_log (user_id, scheduled_send_time)`,
	`CREATE INDEX IF NOT EXISTS message_log_status_sched_idx
		ON message_log (status, scheduled_send_time)`,

	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		queue          TEXT NOT NULL,
		origin_queue   TEXT NOT NULL,
		payload        JSONB NOT NULL,
		state          TEXT NOT NULL DEFAULT 'ready',
		retry_count    INT NOT NULL DEFAULT 0,
		deliver_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		claimed_at     TIMESTAMPTZ,
		claimed_by     TEXT,
		last_error     TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Claim scan: ready jobs per queue ordered by delivery time
	`CREATE INDEX IF NOT EXISTS queue_jobs_claim_idx
		ON queue_jobs (queue, deliver_at) WHERE state = 'ready'`,
	`CREATE INDEX IF NOT EXISTS queue_jobs_state_idx
		ON queue_jobs (state, claimed_at)`,
}

// EnsureSchema applies the bootstrap DDL
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	log.Info().Int("statements", len(schemaStatements)).Msg("schema bootstrap applied")
	return nil
}
