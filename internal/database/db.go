// Package database persists session and command-execution audit rows in
// sqlite. The live registry is authoritative for active state; this store
// exists for the status surface's history view and post-hoc inspection.
package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	remote_addr TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	connected_at DATETIME NOT NULL,
	disconnected_at DATETIME
);

CREATE TABLE IF NOT EXISTS command_executions (
	request_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	kind TEXT NOT NULL,
	command TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_executions_session ON command_executions(session_id);
`

// Open opens the sqlite database and applies the schema.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// SessionRow is one persisted session record.
type SessionRow struct {
	ID             string
	RemoteAddr     string
	Platform       string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

// RecordSessionConnect inserts a session row at authentication time.
func (db *DB) RecordSessionConnect(id, remoteAddr, platform string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO sessions (id, remote_addr, platform, connected_at) VALUES (?, ?, ?, ?)`,
		id, remoteAddr, platform, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record session connect: %w", err)
	}
	return nil
}

// RecordSessionDisconnect stamps the session's disconnect time.
func (db *DB) RecordSessionDisconnect(id string, at time.Time) error {
	_, err := db.Exec(
		`UPDATE sessions SET disconnected_at = ? WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record session disconnect: %w", err)
	}
	return nil
}

// RecentSessions returns the most recently connected sessions, newest first.
func (db *DB) RecentSessions(limit int) ([]SessionRow, error) {
	rows, err := db.Query(
		`SELECT id, remote_addr, platform, connected_at, disconnected_at
		 FROM sessions ORDER BY connected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var disconnected sql.NullTime
		if err := rows.Scan(&row.ID, &row.RemoteAddr, &row.Platform, &row.ConnectedAt, &disconnected); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if disconnected.Valid {
			t := disconnected.Time
			row.DisconnectedAt = &t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecordExecutionStart inserts a command-execution row when a request is
// accepted by the engine.
func (db *DB) RecordExecutionStart(requestID, sessionID, kind, command string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO command_executions (request_id, session_id, kind, command, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		requestID, sessionID, kind, command, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record execution start: %w", err)
	}
	return nil
}

// RecordExecutionFinish stamps the terminal status of an execution.
func (db *DB) RecordExecutionFinish(requestID, status string, at time.Time) error {
	_, err := db.Exec(
		`UPDATE command_executions SET status = ?, finished_at = ? WHERE request_id = ?`,
		status, at.UTC(), requestID,
	)
	if err != nil {
		return fmt.Errorf("record execution finish: %w", err)
	}
	return nil
}
