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

// RunbookVersion is one immutable, persisted version of a runbook.
type RunbookVersion struct {
	ID              string
	Version         int
	Name            string
	Team            string
	ApprovalStatus  string // draft | approved | deprecated
	HTTPSpec        string // JSON: url, method, headers, auth
	PayloadTemplate string
	ParameterSchema string // JSON-Schema-like properties/required
	TimeoutSeconds  int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RunbookExecution is a single execution of a runbook's definition
// snapshot, either against an incident or standalone.
type RunbookExecution struct {
	ID                 string
	RunbookID          string
	RunbookVersion     int
	IncidentID         string
	DefinitionSnapshot string
	Params             string // JSON object, validated against ParameterSchema
	Status             string
	TriggeredBy        string // manual | workflow
	ExecutedByUserID   string
	StartedAt          time.Time
	CompletedAt        *time.Time
	Error              string
}

// CreateRunbookVersion inserts a new immutable runbook version.
func (s *Store) CreateRunbookVersion(ctx context.Context, rb *RunbookVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runbooks
			(id, version, name, team, approval_status, http_spec, payload_template,
			 parameter_schema, timeout_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rb.ID, rb.Version, rb.Name, nullString(rb.Team), rb.ApprovalStatus, rb.HTTPSpec,
		rb.PayloadTemplate, rb.ParameterSchema, rb.TimeoutSeconds, rb.CreatedAt, rb.UpdatedAt)
	if isUniqueConstraintErr(err) {
		return &autoerrors.ConflictError{Resource: "runbook", Reason: fmt.Sprintf("version %d already exists", rb.Version)}
	}
	if err != nil {
		return fmt.Errorf("failed to create runbook version: %w", err)
	}
	return nil
}

// GetLatestRunbookVersion returns the highest version row for an id.
func (s *Store) GetLatestRunbookVersion(ctx context.Context, id string) (*RunbookVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, name, team, approval_status, http_spec, payload_template,
		       parameter_schema, timeout_seconds, created_at, updated_at
		FROM runbooks WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	return scanRunbookVersion(row, id)
}

// UpdateRunbookApprovalStatus transitions a runbook version's approval
// status (draft -> approved -> deprecated). Approval transitions are
// audited at HIGH severity by the caller in the same logical operation.
func (s *Store) UpdateRunbookApprovalStatus(ctx context.Context, id string, version int, status string, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runbooks SET approval_status = ?, updated_at = ? WHERE id = ? AND version = ?`,
		status, updatedAt, id, version)
	if err != nil {
		return fmt.Errorf("failed to update runbook approval status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return &autoerrors.NotFoundError{Resource: "runbook", ID: fmt.Sprintf("%s@%d", id, version)}
	}
	return nil
}

func scanRunbookVersion(row rowScanner, id string) (*RunbookVersion, error) {
	var rb RunbookVersion
	var team sql.NullString
	if err := row.Scan(&rb.ID, &rb.Version, &rb.Name, &team, &rb.ApprovalStatus, &rb.HTTPSpec,
		&rb.PayloadTemplate, &rb.ParameterSchema, &rb.TimeoutSeconds, &rb.CreatedAt, &rb.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &autoerrors.NotFoundError{Resource: "runbook", ID: id}
		}
		return nil, fmt.Errorf("failed to get runbook %s: %w", id, err)
	}
	rb.Team = team.String
	return &rb, nil
}

// CreateRunbookExecution persists a new PENDING execution with its
// definition snapshot and validated parameters.
func (s *Store) CreateRunbookExecution(ctx context.Context, exec *RunbookExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runbook_executions
			(id, runbook_id, runbook_version, incident_id, definition_snapshot, params,
			 status, triggered_by, executed_by_user_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RunbookID, exec.RunbookVersion, nullString(exec.IncidentID), exec.DefinitionSnapshot,
		exec.Params, exec.Status, exec.TriggeredBy, nullString(exec.ExecutedByUserID), exec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create runbook execution: %w", err)
	}
	return nil
}

// UpdateRunbookExecution writes back an execution's status,
// completion time, and error message.
func (s *Store) UpdateRunbookExecution(ctx context.Context, exec *RunbookExecution) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runbook_executions SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		exec.Status, exec.CompletedAt, nullString(exec.Error), exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update runbook execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetRunbookExecution loads an execution by id.
func (s *Store) GetRunbookExecution(ctx context.Context, id string) (*RunbookExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, runbook_id, runbook_version, incident_id, definition_snapshot, params,
		       status, triggered_by, executed_by_user_id, started_at, completed_at, error
		FROM runbook_executions WHERE id = ?`, id)

	var exec RunbookExecution
	var incidentID, executedBy, errMsg sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&exec.ID, &exec.RunbookID, &exec.RunbookVersion, &incidentID, &exec.DefinitionSnapshot,
		&exec.Params, &exec.Status, &exec.TriggeredBy, &executedBy, &exec.StartedAt, &completedAt, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &autoerrors.NotFoundError{Resource: "runbook_execution", ID: id}
		}
		return nil, fmt.Errorf("failed to get runbook execution %s: %w", id, err)
	}
	exec.IncidentID = incidentID.String
	exec.ExecutedByUserID = executedBy.String
	exec.Error = errMsg.String
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return &exec, nil
}
