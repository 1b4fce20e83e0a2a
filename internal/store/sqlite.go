// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the SQLite-backed persistence layer shared
// by every component: incidents, escalation policies and jobs,
// workflows and executions, runbooks and executions, the service
// dependency graph, the audit/timeline sink, the durable job queue,
// and the leader-election lease table.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Config configures how the store opens and pools its SQLite database.
type Config struct {
	// Path is the SQLite DSN, or ":memory:" for tests.
	Path string

	// MaxOpenConns bounds the connection pool. SQLite under WAL
	// tolerates many concurrent readers but serializes writers, so a
	// handful of connections is enough.
	MaxOpenConns int

	// BusyTimeout bounds how long a writer waits on SQLITE_BUSY.
	BusyTimeout time.Duration

	// EncryptionKey, if non-nil, is kept on the Store. No store method
	// reads it; every field is written unencrypted.
	EncryptionKey *EncryptionKey
}

// Store is the persistence layer. All entity-specific CRUD methods are
// defined as methods on Store across the other files in this package.
type Store struct {
	db            *sql.DB
	encryptionKey *EncryptionKey
}

// New opens (creating if necessary) the SQLite database at cfg.Path,
// applies the WAL pragmas, and runs the schema migration.
func New(cfg Config) (*Store, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, encryptionKey: cfg.EncryptionKey}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection pool for components that need
// to share a transaction across store calls (e.g. the incident state
// machine's transition+timeline-append, the queue's dequeue+dispatch).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on success and
// rolling back on error or panic. Entity packages that must write an
// audit event in the same transaction as a mutation (per the
// audit/timeline sink's append-only, same-transaction requirement)
// call this directly.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w\nstatement: %s", err, stmt)
		}
	}
	return nil
}

// migrations is an ordered, idempotent set of CREATE TABLE IF NOT
// EXISTS / CREATE INDEX IF NOT EXISTS statements, applied on every
// startup. JSON-shaped columns (definitions, snapshots, metadata,
// tag/cursor lists) are stored as TEXT and marshaled by the owning
// package, matching the rest of the pack's "store the JSON, parse at
// the edges" convention for definition-like documents.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		team TEXT NOT NULL,
		escalation_policy_id TEXT,
		escalation_level INTEGER NOT NULL DEFAULT 0,
		assigned_user_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		closed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_team_status ON incidents(team, status)`,

	`CREATE TABLE IF NOT EXISTS timeline_events (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_timeline_incident ON timeline_events(incident_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS escalation_policies (
		id TEXT PRIMARY KEY,
		team TEXT NOT NULL,
		name TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		repeat_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_escalation_policies_default
		ON escalation_policies(team) WHERE is_default = 1`,

	`CREATE TABLE IF NOT EXISTS escalation_levels (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL REFERENCES escalation_policies(id) ON DELETE CASCADE,
		level_number INTEGER NOT NULL,
		target_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		timeout_minutes INTEGER NOT NULL,
		UNIQUE(policy_id, level_number)
	)`,

	`CREATE TABLE IF NOT EXISTS escalation_jobs (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		target_level INTEGER NOT NULL,
		repeat_index INTEGER NOT NULL DEFAULT 0,
		queue_job_id TEXT NOT NULL,
		scheduled_for TIMESTAMP NOT NULL,
		executed_at TIMESTAMP,
		completed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_escalation_jobs_active
		ON escalation_jobs(incident_id) WHERE completed = 0`,

	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL,
		team TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		definition TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_team ON workflows(team)`,

	`CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_version INTEGER NOT NULL,
		definition_snapshot TEXT NOT NULL,
		incident_id TEXT,
		trigger_kind TEXT NOT NULL,
		trigger_event TEXT,
		status TEXT NOT NULL,
		cursor TEXT,
		completed_nodes TEXT NOT NULL DEFAULT '[]',
		action_results TEXT NOT NULL DEFAULT '{}',
		execution_chain TEXT NOT NULL DEFAULT '[]',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow ON workflow_executions(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_incident ON workflow_executions(incident_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status)`,

	`CREATE TABLE IF NOT EXISTS runbooks (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		team TEXT,
		approval_status TEXT NOT NULL,
		http_spec TEXT NOT NULL,
		payload_template TEXT NOT NULL DEFAULT '',
		parameter_schema TEXT NOT NULL DEFAULT '{}',
		timeout_seconds INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS runbook_executions (
		id TEXT PRIMARY KEY,
		runbook_id TEXT NOT NULL,
		runbook_version INTEGER NOT NULL,
		incident_id TEXT,
		definition_snapshot TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		triggered_by TEXT NOT NULL,
		executed_by_user_id TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runbook_executions_runbook ON runbook_executions(runbook_id)`,

	`CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		routing_key TEXT NOT NULL UNIQUE,
		team TEXT NOT NULL,
		status TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS service_dependencies (
		upstream_id TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		downstream_id TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (upstream_id, downstream_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_service_deps_downstream ON service_dependencies(downstream_id)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		user_id TEXT,
		team_id TEXT,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events(resource_type, resource_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_events(created_at)`,

	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		dedup_key TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		scheduled_for TIMESTAMP NOT NULL,
		executed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_jobs_dispatch ON queue_jobs(topic, status, scheduled_for)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_jobs_dedup
		ON queue_jobs(topic, dedup_key) WHERE dedup_key IS NOT NULL AND status IN ('pending', 'in_flight')`,

	`CREATE TABLE IF NOT EXISTS leader_locks (
		topic TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
}
