package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the catalog and request tables when they are missing. It is
// idempotent and does not alter existing tables.
const Schema = `
CREATE TABLE IF NOT EXISTS catalog_entries (
	name            TEXT PRIMARY KEY,
	external_id     TEXT NOT NULL,
	default_version TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS requests (
	id              UUID PRIMARY KEY,
	requester       TEXT NOT NULL DEFAULT 'User',
	catalog_name    TEXT NOT NULL,
	external_id     TEXT NOT NULL,
	default_version TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	ticket_id       TEXT,
	ticket_number   TEXT,
	execution_id    TEXT,
	status_detail   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS requests_status_idx ON requests (status);
CREATE INDEX IF NOT EXISTS requests_requester_idx ON requests (requester, created_at DESC);
`

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", classify(err))
	}
	return nil
}
