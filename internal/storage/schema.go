package storage

import (
	"context"
	"fmt"
)

// schema bootstraps the tables the recognition core reads and writes. Every
// statement is idempotent.
const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS identities (
	tenant_id        TEXT        NOT NULL,
	id               TEXT        NOT NULL,
	display_name     TEXT        NOT NULL DEFAULT '',
	role             TEXT        NOT NULL CHECK (role IN ('student', 'staff')),
	embedding_status TEXT        NOT NULL DEFAULT 'pending',
	embedding        vector,
	model_name       TEXT        NOT NULL DEFAULT '',
	model_version    TEXT        NOT NULL DEFAULT '',
	model_dim        INT         NOT NULL DEFAULT 0,
	generated_at     TIMESTAMPTZ,
	image_key        TEXT        NOT NULL DEFAULT '',
	failure_reason   TEXT        NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS student_attendance (
	tenant_id   TEXT        NOT NULL,
	identity_id TEXT        NOT NULL,
	day         TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	source      TEXT        NOT NULL,
	confidence  REAL        NOT NULL DEFAULT 0,
	marked_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, identity_id, day)
);

CREATE TABLE IF NOT EXISTS staff_attendance (
	tenant_id   TEXT        NOT NULL,
	identity_id TEXT        NOT NULL,
	day         TEXT        NOT NULL,
	check_in    TIMESTAMPTZ NOT NULL,
	check_out   TIMESTAMPTZ,
	status      TEXT        NOT NULL,
	left_early  BOOLEAN     NOT NULL DEFAULT false,
	confidence  REAL        NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, identity_id, day)
);

CREATE TABLE IF NOT EXISTS activity_log (
	id           TEXT        PRIMARY KEY,
	tenant_id    TEXT        NOT NULL,
	identity_id  TEXT        NOT NULL,
	display_name TEXT        NOT NULL DEFAULT '',
	role         TEXT        NOT NULL,
	action       TEXT        NOT NULL,
	confidence   REAL        NOT NULL DEFAULT 0,
	timestamp    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_log_tenant_ts ON activity_log (tenant_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id             TEXT    PRIMARY KEY,
	confidence_threshold  REAL    NOT NULL DEFAULT 0.5,
	max_retry_attempts    INT     NOT NULL DEFAULT 3,
	late_after_time       TEXT    NOT NULL DEFAULT '08:30',
	staff_late_after_time TEXT    NOT NULL DEFAULT '08:00',
	checkout_time         TEXT    NOT NULL DEFAULT '16:00',
	timezone              TEXT    NOT NULL DEFAULT 'UTC',
	students_enabled      BOOLEAN NOT NULL DEFAULT true,
	employees_enabled     BOOLEAN NOT NULL DEFAULT true
);
`

// Migrate creates missing tables. It never alters existing ones.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
