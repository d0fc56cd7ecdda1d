// Package store bootstraps the single-file embedded database nightwatch
// persists everything into: personas, discussion records, the project
// registry, and a schema_meta table for first-run bookkeeping. It replaces
// the KV-store-plus-hand-rolled-indexes approach the plugin this was grown
// from used, with real tables and real indexes.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle.
type DB struct {
	*sql.DB
}

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_personas (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	role         TEXT NOT NULL,
	soul         TEXT NOT NULL,
	style        TEXT NOT NULL,
	skills       TEXT NOT NULL,
	icon_url     TEXT NOT NULL DEFAULT '',
	provider     TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL DEFAULT '',
	env_secrets  TEXT NOT NULL DEFAULT '{}',
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS slack_discussions (
	id               TEXT PRIMARY KEY,
	channel_id       TEXT NOT NULL,
	root_post_id     TEXT NOT NULL,
	trigger_type     TEXT NOT NULL,
	trigger_payload  TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL,
	round            INTEGER NOT NULL DEFAULT 0,
	participants     TEXT NOT NULL DEFAULT '[]',
	replies_used     INTEGER NOT NULL DEFAULT 0,
	consensus_result TEXT NOT NULL DEFAULT '',
	trigger_key      TEXT NOT NULL DEFAULT '',
	last_activity_at INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_discussions_channel ON slack_discussions(channel_id);
CREATE INDEX IF NOT EXISTS idx_discussions_status ON slack_discussions(status);
CREATE INDEX IF NOT EXISTS idx_discussions_trigger_key ON slack_discussions(trigger_key);

CREATE TABLE IF NOT EXISTS project_registry (
	repo          TEXT PRIMARY KEY,
	default_branch TEXT NOT NULL DEFAULT 'main',
	board_kind    TEXT NOT NULL DEFAULT 'github',
	project_id    TEXT NOT NULL DEFAULT '',
	channel_id    TEXT NOT NULL DEFAULT '',
	registered_at INTEGER NOT NULL
);
`

// Open opens (creating if absent) the sqlite database at path and applies
// the schema DDL idempotently.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	if _, err := sqlDB.ExecContext(ctx, schemaDDL); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	db := &DB{DB: sqlDB}
	if err := db.ensureSchemaVersion(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) ensureSchemaVersion(ctx context.Context) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO schema_meta(key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`,
		fmt.Sprintf("%d", schemaVersion))
	return err
}

// Flag reads a boolean first-run flag from schema_meta, e.g.
// "agent_personas_seeded".
func (db *DB) Flag(ctx context.Context, key string) (bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read flag %q", key)
	}
	return value == "true", nil
}

// SetFlag writes a boolean first-run flag to schema_meta.
func (db *DB) SetFlag(ctx context.Context, key string, value bool) error {
	v := "false"
	if value {
		v = "true"
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO schema_meta(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, v)
	return errors.Wrapf(err, "failed to set flag %q", key)
}
