// Package store provides SQLite-backed persistence for lesson-plan tasks.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id            TEXT PRIMARY KEY,
	status             TEXT NOT NULL DEFAULT 'active',
	phase              TEXT NOT NULL DEFAULT 'initializing',
	current_stage      TEXT NOT NULL DEFAULT '',
	awaiting_user      INTEGER NOT NULL DEFAULT 0,
	config_json        TEXT NOT NULL DEFAULT '{}',
	stages_json        TEXT NOT NULL DEFAULT '[]',
	regenerations_json TEXT NOT NULL DEFAULT '{}',
	iteration_count    INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	last_message_seq   INTEGER NOT NULL DEFAULT 0,
	state_version      INTEGER NOT NULL DEFAULT 1,
	created_at_unix    INTEGER NOT NULL DEFAULT 0,
	updated_at_unix    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS artifacts (
	task_id         TEXT NOT NULL,
	stage           TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'empty',
	version         INTEGER NOT NULL DEFAULT 0,
	source          TEXT NOT NULL DEFAULT '',
	updated_at_unix INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (task_id, stage)
);

CREATE TABLE IF NOT EXISTS candidate_rounds (
	task_id     TEXT NOT NULL,
	stage       TEXT NOT NULL,
	round       INTEGER NOT NULL DEFAULT 0,
	selected_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, stage)
);

CREATE TABLE IF NOT EXISTS candidates (
	task_id      TEXT NOT NULL,
	stage        TEXT NOT NULL,
	position     INTEGER NOT NULL,
	candidate_id TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	rationale    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, stage, position)
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	seq_no     INTEGER NOT NULL,
	msg_type   TEXT NOT NULL,
	stage      TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(task_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_messages_task_seq ON messages(task_id, seq_no);

CREATE TABLE IF NOT EXISTS plan_snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id       TEXT NOT NULL,
	state_version INTEGER NOT NULL DEFAULT 0,
	snapshot_json TEXT NOT NULL DEFAULT '{}',
	checksum      TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plan_snapshots_task ON plan_snapshots(task_id);

CREATE TABLE IF NOT EXISTS action_log (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL,
	action        TEXT NOT NULL,
	stage         TEXT NOT NULL DEFAULT '',
	request_json  TEXT NOT NULL DEFAULT '{}',
	outcome       TEXT NOT NULL DEFAULT 'ok',
	error_code    INTEGER NOT NULL DEFAULT 0,
	state_version INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_log_task ON action_log(task_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
