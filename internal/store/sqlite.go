// Package store provides SQLite-backed persistence for workflow definitions,
// request instances, decisions and the decision log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	workflow_id     TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	version         INTEGER NOT NULL DEFAULT 1,
	workflow_type   TEXT NOT NULL,
	triggers_json   TEXT NOT NULL DEFAULT '[]',
	stages_json     TEXT NOT NULL DEFAULT '[]',
	active          INTEGER NOT NULL DEFAULT 1,
	created_at_unix INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_definitions_type_active ON workflow_definitions(workflow_type, active);

CREATE TABLE IF NOT EXISTS request_instances (
	instance_id      TEXT PRIMARY KEY,
	request_id       TEXT NOT NULL,
	workflow_id      TEXT NOT NULL REFERENCES workflow_definitions(workflow_id),
	request_type     TEXT NOT NULL,
	attributes_json  TEXT NOT NULL DEFAULT '{}',
	current_stage    INTEGER NOT NULL DEFAULT 1,
	status           TEXT NOT NULL DEFAULT 'pending',
	entered_stage_ns INTEGER NOT NULL DEFAULT 0,
	escalated_to     TEXT NOT NULL DEFAULT '',
	escalated_at_ns  INTEGER NOT NULL DEFAULT 0,
	escalations      INTEGER NOT NULL DEFAULT 0,
	state_version    INTEGER NOT NULL DEFAULT 1,
	last_log_seq     INTEGER NOT NULL DEFAULT 0,
	created_at_ns    INTEGER NOT NULL DEFAULT 0,
	updated_at_ns    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_instances_status ON request_instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_workflow ON request_instances(workflow_id, status);
CREATE INDEX IF NOT EXISTS idx_instances_request ON request_instances(request_id, status);

CREATE TABLE IF NOT EXISTS decisions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id  TEXT NOT NULL REFERENCES request_instances(instance_id),
	stage_order  INTEGER NOT NULL,
	approver_id  TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	comment      TEXT NOT NULL DEFAULT '',
	created_at_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_instance ON decisions(instance_id, stage_order);

CREATE TABLE IF NOT EXISTS decision_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id   TEXT NOT NULL,
	seq_no        INTEGER NOT NULL,
	stage_order   INTEGER NOT NULL DEFAULT 0,
	actor_id      TEXT NOT NULL DEFAULT '',
	event_type    TEXT NOT NULL,
	detail        TEXT NOT NULL DEFAULT '',
	created_at_ns INTEGER NOT NULL,
	UNIQUE(instance_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_log_instance_seq ON decision_log(instance_id, seq_no);

CREATE TRIGGER IF NOT EXISTS decision_log_no_update
BEFORE UPDATE ON decision_log
BEGIN
	SELECT RAISE(ABORT, 'decision_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS decision_log_no_delete
BEFORE DELETE ON decision_log
BEGIN
	SELECT RAISE(ABORT, 'decision_log is append-only');
END;
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

// toNanos stores timestamps at nanosecond precision so escalation anchors
// survive a round trip exactly. The zero time is stored as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
