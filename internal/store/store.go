// Package store implements the daemon's embedded relational state store:
// plans, actions, and triggers persisted to a single SQLite file, schema
// expressed as a const DDL string and applied with CREATE TABLE IF NOT
// EXISTS, the same shape as the teacher's store package.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/imld/daemon/internal/iml"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	plan_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS actions (
	plan_id TEXT NOT NULL,
	action_id TEXT NOT NULL,
	state TEXT NOT NULL,
	started_at DATETIME,
	ended_at DATETIME,
	result TEXT,
	PRIMARY KEY (plan_id, action_id)
);

CREATE TABLE IF NOT EXISTS triggers (
	trigger_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	state TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	definition TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	expires_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
CREATE INDEX IF NOT EXISTS idx_actions_plan ON actions(plan_id);
CREATE INDEX IF NOT EXISTS idx_triggers_state ON triggers(state);
CREATE INDEX IF NOT EXISTS idx_triggers_enabled ON triggers(enabled);
`

// Store is the sole authoritative durable record keeper: the plan
// executor, the trigger daemon, and the HTTP API all read and write
// through it, never holding their own copy of durable state.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dbPath and ensures the
// schema exists. The pool is limited to a single connection
// (SetMaxOpenConns(1)), matching the teacher's single-writer SQLite
// convention, so every statement, reads included, is serialised through it.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SavePlan upserts a plan's execution state. data.rejection_details, if
// present, round-trips verbatim as part of the serialised data column.
func (s *Store) SavePlan(state *iml.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO plans (plan_id, status, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at, data=excluded.data
	`, state.PlanID, string(state.Status), now, now, string(data))
	return err
}

// LoadPlan returns the execution state for planID.
func (s *Store) LoadPlan(planID string) (*iml.ExecutionState, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM plans WHERE plan_id = ?`, planID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state iml.ExecutionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveAction upserts one action's result row.
func (s *Store) SaveAction(planID, actionID string, res *iml.ActionResult) error {
	resultJSON, err := json.Marshal(res.Result)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO actions (plan_id, action_id, state, started_at, ended_at, result)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id, action_id) DO UPDATE SET state=excluded.state, started_at=excluded.started_at, ended_at=excluded.ended_at, result=excluded.result
	`, planID, actionID, string(res.State), res.StartedAt, res.EndedAt, string(resultJSON))
	return err
}

// TriggerRecord is the persisted row shape for a trigger. Definition is
// the serialised TriggerDefinition; State is authoritative over any state
// value embedded inside Definition — callers must always prefer State.
type TriggerRecord struct {
	TriggerID  string
	Name       string
	State      string
	Enabled    bool
	Definition string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time
}

// SaveTrigger upserts a trigger record. The state column is written
// separately from (and takes precedence over) whatever state value is
// embedded in the Definition JSON blob.
func (s *Store) SaveTrigger(t *TriggerRecord) error {
	now := time.Now().UTC()
	t.UpdatedAt = now
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO triggers (trigger_id, name, state, enabled, definition, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trigger_id) DO UPDATE SET name=excluded.name, state=excluded.state, enabled=excluded.enabled,
			definition=excluded.definition, updated_at=excluded.updated_at, expires_at=excluded.expires_at
	`, t.TriggerID, t.Name, t.State, t.Enabled, t.Definition, t.CreatedAt, t.UpdatedAt, t.ExpiresAt)
	return err
}

func (s *Store) LoadTrigger(triggerID string) (*TriggerRecord, error) {
	row := s.db.QueryRow(`SELECT trigger_id, name, state, enabled, definition, created_at, updated_at, expires_at FROM triggers WHERE trigger_id = ?`, triggerID)
	return scanTrigger(row)
}

func (s *Store) ListEnabledTriggers() ([]*TriggerRecord, error) {
	rows, err := s.db.Query(`SELECT trigger_id, name, state, enabled, definition, created_at, updated_at, expires_at FROM triggers WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TriggerRecord
	for rows.Next() {
		t, err := scanTriggerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteExpiredTriggers purges any trigger whose expires_at has passed,
// returning the deleted ids (for emitting expiry events).
func (s *Store) DeleteExpiredTriggers(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT trigger_id FROM triggers WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.Exec(`DELETE FROM triggers WHERE expires_at IS NOT NULL AND expires_at < ?`, now); err != nil {
		return nil, err
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrigger(row *sql.Row) (*TriggerRecord, error) {
	return scanTriggerAny(row)
}

func scanTriggerRows(rows *sql.Rows) (*TriggerRecord, error) {
	return scanTriggerAny(rows)
}

func scanTriggerAny(r rowScanner) (*TriggerRecord, error) {
	var t TriggerRecord
	var expiresAt sql.NullTime
	err := r.Scan(&t.TriggerID, &t.Name, &t.State, &t.Enabled, &t.Definition, &t.CreatedAt, &t.UpdatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	return &t, nil
}
