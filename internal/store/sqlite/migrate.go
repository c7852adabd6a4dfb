// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"database/sql"
	"fmt"
)

// schemaVersion is the monotonic migration identifier gated by
// PRAGMA user_version, following the teacher's scan/sqlite_store.go idiom.
const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE identities (
		client_id      TEXT PRIMARY KEY,
		role           TEXT NOT NULL,
		hmac_key       BLOB NOT NULL,
		key_algorithm  TEXT NOT NULL DEFAULT '',
		key_id         TEXT NOT NULL DEFAULT '',
		allowed_cidrs  TEXT NOT NULL,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE TABLE workers (
		worker_id               TEXT PRIMARY KEY,
		status                  TEXT NOT NULL,
		registered_at           INTEGER NOT NULL,
		last_seen_at            INTEGER NOT NULL,
		registration_interval_s INTEGER NOT NULL,
		version                 TEXT NOT NULL DEFAULT '',
		advertised_binaries     TEXT NOT NULL,
		advertised_variables    TEXT NOT NULL,
		transport_choice        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE jobs (
		job_id                   TEXT PRIMARY KEY,
		submitter_id             TEXT NOT NULL,
		assignee_id              TEXT NOT NULL DEFAULT '',
		state                    TEXT NOT NULL,
		binary                   TEXT NOT NULL,
		argv                     TEXT NOT NULL,
		required_variables       TEXT NOT NULL,
		mode                     TEXT NOT NULL,
		created_at               INTEGER NOT NULL,
		assigned_at              INTEGER NOT NULL DEFAULT 0,
		started_at               INTEGER NOT NULL DEFAULT 0,
		ended_at                 INTEGER NOT NULL DEFAULT 0,
		state_entered_at         INTEGER NOT NULL,
		heartbeat_interval_s     INTEGER NOT NULL DEFAULT 0,
		last_heartbeat_at        INTEGER NOT NULL DEFAULT 0,
		last_client_heartbeat_at INTEGER NOT NULL DEFAULT 0,
		exit_code                INTEGER,
		failure_kind             TEXT NOT NULL DEFAULT '',
		transport_choice         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX idx_jobs_state ON jobs(state)`,
	`CREATE INDEX idx_jobs_assignee ON jobs(assignee_id)`,
	`CREATE TABLE log_chunks (
		job_id     TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		stream     TEXT NOT NULL,
		text       TEXT NOT NULL,
		emitted_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE downlink_messages (
		message_id   TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		kind         TEXT NOT NULL,
		schema       TEXT NOT NULL,
		payload      TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		delivered_at INTEGER
	)`,
	`CREATE INDEX idx_downlink_recipient ON downlink_messages(recipient_id)`,
}

// migrate applies pending migrations, gated by PRAGMA user_version — the
// same version-gated approach the teacher's scan/sqlite_store.go used for
// its own schema evolution.
func migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin migration: %w", err)
	}
	defer tx.Rollback()

	for i := current; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("sqlite: migration %d: %w", i, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	return tx.Commit()
}
