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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	autoerrors "github.com/tombee/automation-core/internal/errors"
)

// WorkflowVersion is one immutable, persisted version of a workflow.
// Definition holds the raw JSON document (nodes, edges, trigger,
// settings) as authored; the owning package unmarshals it.
type WorkflowVersion struct {
	ID          string
	Version     int
	Name        string
	Description string
	Scope       string // team | global
	Team        string
	Enabled     bool
	Definition  string
	CreatedBy   string
	CreatedAt   time.Time
}

// WorkflowExecution is a single run of a workflow's definition
// snapshot against an incident (or a manual trigger with no incident).
type WorkflowExecution struct {
	ID                 string
	WorkflowID         string
	WorkflowVersion    int
	DefinitionSnapshot string
	IncidentID         string
	TriggerKind        string
	TriggerEvent       string
	Status             string
	Cursor             string
	CompletedNodes     string // JSON array of node ids
	ActionResults      string // JSON object of node id -> result
	ExecutionChain     string // JSON array of workflow ids, cross-workflow cycle guard
	StartedAt          time.Time
	CompletedAt        *time.Time
}

// CreateWorkflowVersion inserts a new immutable version row. Versions
// are never updated in place; a new version number is always used.
func (s *Store) CreateWorkflowVersion(ctx context.Context, wf *WorkflowVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, version, name, description, scope, team, enabled, definition, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Version, wf.Name, wf.Description, wf.Scope, nullString(wf.Team), wf.Enabled,
		wf.Definition, wf.CreatedBy, wf.CreatedAt)
	if isUniqueConstraintErr(err) {
		return &autoerrors.ConflictError{Resource: "workflow", Reason: fmt.Sprintf("version %d already exists", wf.Version)}
	}
	if err != nil {
		return fmt.Errorf("failed to create workflow version: %w", err)
	}
	return nil
}

// GetLatestWorkflowVersion returns the highest version row for an id.
func (s *Store) GetLatestWorkflowVersion(ctx context.Context, id string) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, name, description, scope, team, enabled, definition, created_by, created_at
		FROM workflows WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	return scanWorkflowVersion(row, id)
}

// GetWorkflowVersion returns a specific version row.
func (s *Store) GetWorkflowVersion(ctx context.Context, id string, version int) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, name, description, scope, team, enabled, definition, created_by, created_at
		FROM workflows WHERE id = ? AND version = ?`, id, version)
	return scanWorkflowVersion(row, id)
}

func scanWorkflowVersion(row rowScanner, id string) (*WorkflowVersion, error) {
	var wf WorkflowVersion
	var team sql.NullString
	if err := row.Scan(&wf.ID, &wf.Version, &wf.Name, &wf.Description, &wf.Scope, &team,
		&wf.Enabled, &wf.Definition, &wf.CreatedBy, &wf.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &autoerrors.NotFoundError{Resource: "workflow", ID: id}
		}
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	wf.Team = team.String
	return &wf, nil
}

// ListEnabledWorkflowsByTeam returns the latest enabled version of
// every workflow visible to a team: its own team-scoped workflows plus
// every global-scope workflow. Used by the trigger matcher to find
// candidates for an incoming event.
func (s *Store) ListEnabledWorkflowsByTeam(ctx context.Context, team string) ([]*WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.version, w.name, w.description, w.scope, w.team, w.enabled, w.definition, w.created_by, w.created_at
		FROM workflows w
		INNER JOIN (
			SELECT id, MAX(version) AS max_version FROM workflows GROUP BY id
		) latest ON w.id = latest.id AND w.version = latest.max_version
		WHERE w.enabled = 1 AND (w.scope = 'global' OR w.team = ?)`, team)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled workflows for team %s: %w", team, err)
	}
	defer rows.Close()

	var out []*WorkflowVersion
	for rows.Next() {
		var wf WorkflowVersion
		var teamCol sql.NullString
		if err := rows.Scan(&wf.ID, &wf.Version, &wf.Name, &wf.Description, &wf.Scope, &teamCol,
			&wf.Enabled, &wf.Definition, &wf.CreatedBy, &wf.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wf.Team = teamCol.String
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// ListEnabledWorkflows returns the latest enabled version of every
// workflow regardless of scope or team, used by the age-trigger
// polling loop to find every candidate age workflow across all teams.
func (s *Store) ListEnabledWorkflows(ctx context.Context) ([]*WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.version, w.name, w.description, w.scope, w.team, w.enabled, w.definition, w.created_by, w.created_at
		FROM workflows w
		INNER JOIN (
			SELECT id, MAX(version) AS max_version FROM workflows GROUP BY id
		) latest ON w.id = latest.id AND w.version = latest.max_version
		WHERE w.enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled workflows: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowVersion
	for rows.Next() {
		var wf WorkflowVersion
		var teamCol sql.NullString
		if err := rows.Scan(&wf.ID, &wf.Version, &wf.Name, &wf.Description, &wf.Scope, &teamCol,
			&wf.Enabled, &wf.Definition, &wf.CreatedBy, &wf.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wf.Team = teamCol.String
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// CreateWorkflowExecution persists a new PENDING execution with its
// definition snapshot.
func (s *Store) CreateWorkflowExecution(ctx context.Context, exec *WorkflowExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, workflow_version, definition_snapshot, incident_id, trigger_kind, trigger_event,
			 status, cursor, completed_nodes, action_results, execution_chain, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, exec.DefinitionSnapshot, nullString(exec.IncidentID),
		exec.TriggerKind, nullString(exec.TriggerEvent), exec.Status, nullString(exec.Cursor),
		exec.CompletedNodes, exec.ActionResults, exec.ExecutionChain, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow execution: %w", err)
	}
	return nil
}

// GetWorkflowExecution loads an execution by id.
func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, workflow_version, definition_snapshot, incident_id, trigger_kind, trigger_event,
		       status, cursor, completed_nodes, action_results, execution_chain, started_at, completed_at
		FROM workflow_executions WHERE id = ?`, id)
	return scanWorkflowExecution(row, id)
}

// UpdateWorkflowExecution writes back an execution's mutable fields:
// status, cursor, completed node set, action results, and completion
// time. Node interpretation calls this after each step (action,
// condition branch, or delay suspension).
func (s *Store) UpdateWorkflowExecution(ctx context.Context, exec *WorkflowExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET
			status = ?, cursor = ?, completed_nodes = ?, action_results = ?, completed_at = ?
		WHERE id = ?`,
		exec.Status, nullString(exec.Cursor), exec.CompletedNodes, exec.ActionResults, exec.CompletedAt, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow execution %s: %w", exec.ID, err)
	}
	return nil
}

func scanWorkflowExecution(row rowScanner, id string) (*WorkflowExecution, error) {
	var exec WorkflowExecution
	var incidentID, triggerEvent, cursor sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.WorkflowVersion, &exec.DefinitionSnapshot,
		&incidentID, &exec.TriggerKind, &triggerEvent, &exec.Status, &cursor, &exec.CompletedNodes,
		&exec.ActionResults, &exec.ExecutionChain, &exec.StartedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &autoerrors.NotFoundError{Resource: "workflow_execution", ID: id}
		}
		return nil, fmt.Errorf("failed to get workflow execution %s: %w", id, err)
	}
	exec.IncidentID = incidentID.String
	exec.TriggerEvent = triggerEvent.String
	exec.Cursor = cursor.String
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return &exec, nil
}

// GetLatestWorkflowExecutionForIncident returns the most recently
// started execution of workflowID against incidentID, or a
// NotFoundError if none exists. Used by the age-trigger polling loop
// to dedup: an incident already fired for a threshold window is not
// fired again until that execution falls outside the window.
func (s *Store) GetLatestWorkflowExecutionForIncident(ctx context.Context, workflowID, incidentID string) (*WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, workflow_version, definition_snapshot, incident_id, trigger_kind, trigger_event,
		       status, cursor, completed_nodes, action_results, execution_chain, started_at, completed_at
		FROM workflow_executions
		WHERE workflow_id = ? AND incident_id = ?
		ORDER BY started_at DESC LIMIT 1`, workflowID, incidentID)
	return scanWorkflowExecution(row, workflowID+":"+incidentID)
}

// ListRunningWorkflowExecutions returns executions still in 'pending'
// or 'running' status, used on startup to resume delay-suspended runs.
func (s *Store) ListRunningWorkflowExecutions(ctx context.Context) ([]*WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, workflow_version, definition_snapshot, incident_id, trigger_kind, trigger_event,
		       status, cursor, completed_nodes, action_results, execution_chain, started_at, completed_at
		FROM workflow_executions WHERE status IN ('pending', 'running')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list running workflow executions: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowExecution
	for rows.Next() {
		exec, err := scanWorkflowExecution(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}
