package postgres

import (
	"context"
	"fmt"

	"github.com/animus-labs/animus-runs/internal/platform/auditlog"
)

const schemaQuery = `
CREATE TABLE IF NOT EXISTS run_records (
	project    TEXT NOT NULL,
	uid        TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT '',
	start_time TEXT NOT NULL DEFAULT '',
	labels     JSONB NOT NULL DEFAULT '{}'::jsonb,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project, uid)
);
CREATE INDEX IF NOT EXISTS run_records_start_time_idx ON run_records (project, start_time DESC);

CREATE TABLE IF NOT EXISTS run_artifacts (
	project    TEXT NOT NULL,
	key        TEXT NOT NULL,
	tag        TEXT NOT NULL,
	labels     JSONB NOT NULL DEFAULT '{}'::jsonb,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project, key, tag)
);

CREATE TABLE IF NOT EXISTS run_metrics (
	id      BIGSERIAL PRIMARY KEY,
	project TEXT NOT NULL,
	uid     TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   DOUBLE PRECISION NOT NULL,
	ts      TIMESTAMPTZ NOT NULL,
	labels  JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS run_metrics_run_idx ON run_metrics (project, uid, key, ts);
`

// EnsureSchema creates the run and audit tables if they are missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if _, err := db.ExecContext(ctx, schemaQuery); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, auditlog.Schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}
