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
	"fmt"
	"time"
)

// AuditEvent is an append-only record of a user- or system-initiated
// action against a resource, e.g. a runbook approval transition or an
// escalation policy edit.
type AuditEvent struct {
	ID           string
	Action       string
	UserID       string
	TeamID       string
	ResourceType string
	ResourceID   string
	Severity     string // info | high
	Metadata     map[string]any
	CreatedAt    time.Time
}

// AppendAuditEvent writes an audit row using the given tx when
// non-nil, so it lands in the same transaction as the mutation it
// records.
func (s *Store) AppendAuditEvent(ctx context.Context, tx *sql.Tx, ev *AuditEvent) error {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	const q = `
		INSERT INTO audit_events (id, action, user_id, team_id, resource_type, resource_id, severity, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{ev.ID, ev.Action, nullString(ev.UserID), nullString(ev.TeamID), ev.ResourceType,
		ev.ResourceID, ev.Severity, string(metadata), ev.CreatedAt}

	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = s.db.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAuditEventsForResource returns a resource's audit history in
// chronological order.
func (s *Store) ListAuditEventsForResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, user_id, team_id, resource_type, resource_id, severity, metadata, created_at
		FROM audit_events WHERE resource_type = ? AND resource_id = ? ORDER BY created_at ASC`,
		resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events for %s/%s: %w", resourceType, resourceID, err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var userID, teamID sql.NullString
		var metadata string
		if err := rows.Scan(&ev.ID, &ev.Action, &userID, &teamID, &ev.ResourceType, &ev.ResourceID,
			&ev.Severity, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.UserID = userID.String
		ev.TeamID = teamID.String
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// PurgeAuditEventsOlderThan deletes audit rows past the retention
// cutoff, run by the leader-gated daily sweep. Returns the count of
// rows removed for logging.
func (s *Store) PurgeAuditEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return result.RowsAffected()
}
