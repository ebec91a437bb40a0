package storage

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is bumped whenever a migration is added below;
// migrate applies everything past the version stored in schema_version,
// forward-only.
const CurrentSchemaVersion = 1

var migrations = []string{
	// v1: initial schema.
	`
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		channel_id        TEXT NOT NULL UNIQUE,
		agent_id          TEXT NOT NULL,
		local_path        TEXT NOT NULL,
		default_model     TEXT NOT NULL,
		default_max_budget REAL NOT NULL DEFAULT 0,
		deploy_platform_id TEXT,
		auto_commit_push  INTEGER NOT NULL DEFAULT 0,
		rate_limit_override INTEGER,
		created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		id               TEXT PRIMARY KEY,
		chat_user_id     TEXT NOT NULL UNIQUE,
		role             TEXT NOT NULL DEFAULT 'member',
		rate_limit_override INTEGER,
		created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		project_id       TEXT NOT NULL,
		bot_name         TEXT NOT NULL,
		command          TEXT NOT NULL,
		prompt           TEXT NOT NULL,
		plan_command     TEXT,
		status           TEXT NOT NULL,
		result           TEXT,
		error_message    TEXT,
		channel_id       TEXT NOT NULL,
		thread_ts        TEXT,
		chat_user_id     TEXT NOT NULL,
		chat_message_id  TEXT,
		session_id       TEXT,
		input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens    INTEGER NOT NULL DEFAULT 0,
		estimated_cost   REAL NOT NULL DEFAULT 0,
		max_budget       REAL NOT NULL DEFAULT 0,
		files_changed    TEXT NOT NULL DEFAULT '[]',
		commands_run     TEXT NOT NULL DEFAULT '[]',
		parent_task_id   TEXT,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at     TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project_created ON tasks(project_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS offline_queue (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id     TEXT NOT NULL,
		message_type TEXT NOT NULL,
		payload      BLOB NOT NULL,
		created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at   TIMESTAMP NOT NULL,
		delivered    INTEGER NOT NULL DEFAULT 0,
		delivered_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_offline_queue_agent_delivered ON offline_queue(agent_id, delivered);
	CREATE INDEX IF NOT EXISTS idx_offline_queue_expires ON offline_queue(expires_at);

	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		task_id          TEXT NOT NULL,
		agent_id         TEXT NOT NULL,
		model            TEXT NOT NULL,
		input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens    INTEGER NOT NULL DEFAULT 0,
		estimated_cost   REAL NOT NULL DEFAULT 0,
		duration_ms      INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at     TIMESTAMP,
		expires_at       TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		action        TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id   TEXT NOT NULL,
		user_id       TEXT,
		metadata      TEXT,
		timestamp     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		agent_id   TEXT PRIMARY KEY,
		salt       TEXT NOT NULL,
		hash       TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		revoked    INTEGER NOT NULL DEFAULT 0
	);
	`,
}

// migrate brings db from its current schema_version up to CurrentSchemaVersion.
func migrate(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	current := 0
	if count > 0 {
		row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
		if err := row.Scan(&current); err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read schema version: %w", err)
		}
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear schema_version: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write schema_version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
	}
	return nil
}
