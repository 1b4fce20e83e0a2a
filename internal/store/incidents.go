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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	autoerrors "github.com/tombee/automation-core/internal/errors"
)

// Incident is the persisted row for an on-call incident.
type Incident struct {
	ID                 string
	Title              string
	Priority           string
	Status             string
	Team               string
	EscalationPolicyID string
	EscalationLevel    int
	AssignedUserID     string
	Metadata           map[string]any
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ResolvedAt         *time.Time
	ClosedAt           *time.Time
}

// TimelineEvent is a single append-only entry on an incident's
// timeline, grouped by metadata["executionId"] when it originates from
// a workflow action per the audit/timeline sink's grouping rule.
type TimelineEvent struct {
	ID         string
	IncidentID string
	Kind       string
	ActorID    string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// CreateIncident inserts a new incident row using tx when non-nil, so
// it commits atomically with the creation timeline/audit entries.
func (s *Store) CreateIncident(ctx context.Context, tx *sql.Tx, inc *Incident) error {
	metadata, err := json.Marshal(inc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal incident metadata: %w", err)
	}

	const q = `
		INSERT INTO incidents
			(id, title, priority, status, team, escalation_policy_id, escalation_level,
			 assigned_user_id, metadata, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{inc.ID, inc.Title, inc.Priority, inc.Status, inc.Team, nullString(inc.EscalationPolicyID),
		inc.EscalationLevel, nullString(inc.AssignedUserID), string(metadata), inc.Version,
		inc.CreatedAt, inc.UpdatedAt}

	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = s.db.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// GetIncident loads an incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, priority, status, team, escalation_policy_id, escalation_level,
		       assigned_user_id, metadata, version, created_at, updated_at, resolved_at, closed_at
		FROM incidents WHERE id = ?`, id)

	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &autoerrors.NotFoundError{Resource: "incident", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	return inc, nil
}

// ListOpenIncidentsCreatedBefore returns every OPEN incident created
// before cutoff, used by the age-trigger polling loop. Scope (global
// vs a specific team) is applied by the caller.
func (s *Store) ListOpenIncidentsCreatedBefore(ctx context.Context, cutoff time.Time) ([]*Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, priority, status, team, escalation_policy_id, escalation_level,
		       assigned_user_id, metadata, version, created_at, updated_at, resolved_at, closed_at
		FROM incidents WHERE status = 'OPEN' AND created_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents before %s: %w", cutoff, err)
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// UpdateIncident writes back an incident using optimistic concurrency:
// the update only applies if the stored version still matches
// expectedVersion, and the row's version is bumped by one. Returns a
// ConflictError if another writer updated the incident concurrently.
// Runs inside tx when non-nil, so the update commits atomically with
// the transition's timeline/audit entries.
func (s *Store) UpdateIncident(ctx context.Context, tx *sql.Tx, inc *Incident, expectedVersion int) error {
	metadata, err := json.Marshal(inc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal incident metadata: %w", err)
	}

	const q = `
		UPDATE incidents SET
			title = ?, priority = ?, status = ?, team = ?, escalation_policy_id = ?,
			escalation_level = ?, assigned_user_id = ?, metadata = ?, version = ?,
			created_at = ?, updated_at = ?, resolved_at = ?, closed_at = ?
		WHERE id = ? AND version = ?`
	args := []any{inc.Title, inc.Priority, inc.Status, inc.Team, nullString(inc.EscalationPolicyID),
		inc.EscalationLevel, nullString(inc.AssignedUserID), string(metadata), expectedVersion + 1,
		inc.CreatedAt, inc.UpdatedAt, inc.ResolvedAt, inc.ClosedAt, inc.ID, expectedVersion}

	var result sql.Result
	if tx != nil {
		result, err = tx.ExecContext(ctx, q, args...)
	} else {
		result, err = s.db.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to update incident %s: %w", inc.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return &autoerrors.ConflictError{Resource: "incident", Reason: "version mismatch, concurrent update"}
	}
	return nil
}

// AppendTimelineEvent appends a timeline entry using the given tx when
// non-nil, so callers can write it in the same transaction as the
// incident mutation that produced it.
func (s *Store) AppendTimelineEvent(ctx context.Context, tx *sql.Tx, ev *TimelineEvent) error {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline metadata: %w", err)
	}

	const q = `
		INSERT INTO timeline_events (id, incident_id, kind, actor_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	args := []any{ev.ID, ev.IncidentID, ev.Kind, nullString(ev.ActorID), string(metadata), ev.CreatedAt}

	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = s.db.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to append timeline event: %w", err)
	}
	return nil
}

// ListTimeline returns an incident's timeline events in chronological order.
func (s *Store) ListTimeline(ctx context.Context, incidentID string) ([]*TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, kind, actor_id, metadata, created_at
		FROM timeline_events WHERE incident_id = ? ORDER BY created_at ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline for %s: %w", incidentID, err)
	}
	defer rows.Close()

	var events []*TimelineEvent
	for rows.Next() {
		var ev TimelineEvent
		var actorID sql.NullString
		var metadata string
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Kind, &actorID, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		ev.ActorID = actorID.String
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal timeline metadata: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var policyID, assignedUserID sql.NullString
	var metadata string
	var resolvedAt, closedAt sql.NullTime

	if err := row.Scan(&inc.ID, &inc.Title, &inc.Priority, &inc.Status, &inc.Team,
		&policyID, &inc.EscalationLevel, &assignedUserID, &metadata, &inc.Version,
		&inc.CreatedAt, &inc.UpdatedAt, &resolvedAt, &closedAt); err != nil {
		return nil, err
	}

	inc.EscalationPolicyID = policyID.String
	inc.AssignedUserID = assignedUserID.String
	if err := json.Unmarshal([]byte(metadata), &inc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal incident metadata: %w", err)
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.Time
	}
	if closedAt.Valid {
		inc.ClosedAt = &closedAt.Time
	}
	return &inc, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
