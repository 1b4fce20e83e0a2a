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

// EscalationLevel is one rung of an escalation policy's ladder.
type EscalationLevel struct {
	ID             string
	PolicyID       string
	LevelNumber    int
	TargetKind     string // user | schedule | entire_team
	TargetID       string
	TimeoutMinutes int
}

// EscalationPolicy is a named, ordered ladder of escalation levels
// owned by a team, optionally marked as that team's default.
type EscalationPolicy struct {
	ID          string
	Team        string
	Name        string
	IsDefault   bool
	RepeatCount int
	Levels      []EscalationLevel
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EscalationJob tracks a single pending or completed escalation timer
// for an incident. The active-job-per-incident invariant (at most one
// non-completed job) is enforced by a partial unique index.
type EscalationJob struct {
	ID           string
	IncidentID   string
	TargetLevel  int
	RepeatIndex  int
	QueueJobID   string
	ScheduledFor time.Time
	ExecutedAt   *time.Time
	Completed    bool
}

// CountActiveIncidentsForPolicy returns how many OPEN or ACKNOWLEDGED
// incidents reference policyID, used to enforce the delete-only-when-
// unreferenced invariant before removing a policy.
func (s *Store) CountActiveIncidentsForPolicy(ctx context.Context, policyID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM incidents
		WHERE escalation_policy_id = ? AND status IN ('OPEN', 'ACKNOWLEDGED')`, policyID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active incidents for policy %s: %w", policyID, err)
	}
	return count, nil
}

// DeleteEscalationPolicy removes a policy and its levels. Callers must
// check CountActiveIncidentsForPolicy first; this method does not
// re-check the invariant itself.
func (s *Store) DeleteEscalationPolicy(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM escalation_levels WHERE policy_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete escalation levels for policy %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM escalation_policies WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete escalation policy %s: %w", id, err)
		}
		return nil
	})
}

// CreateEscalationPolicy inserts a policy and its levels in one
// transaction. If policy.IsDefault is set, any existing default for
// the same team is atomically cleared first, per the single-default
// invariant.
func (s *Store) CreateEscalationPolicy(ctx context.Context, policy *EscalationPolicy) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if policy.IsDefault {
			if _, err := tx.ExecContext(ctx,
				`UPDATE escalation_policies SET is_default = 0 WHERE team = ?`, policy.Team); err != nil {
				return fmt.Errorf("failed to clear existing default policy: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO escalation_policies (id, team, name, is_default, repeat_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			policy.ID, policy.Team, policy.Name, policy.IsDefault, policy.RepeatCount,
			policy.CreatedAt, policy.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create escalation policy: %w", err)
		}

		for _, level := range policy.Levels {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO escalation_levels (id, policy_id, level_number, target_kind, target_id, timeout_minutes)
				VALUES (?, ?, ?, ?, ?, ?)`,
				level.ID, policy.ID, level.LevelNumber, level.TargetKind, level.TargetID, level.TimeoutMinutes); err != nil {
				return fmt.Errorf("failed to create escalation level %d: %w", level.LevelNumber, err)
			}
		}
		return nil
	})
}

// GetEscalationPolicy loads a policy with its levels ordered by level number.
func (s *Store) GetEscalationPolicy(ctx context.Context, id string) (*EscalationPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, team, name, is_default, repeat_count, created_at, updated_at
		FROM escalation_policies WHERE id = ?`, id)

	var p EscalationPolicy
	if err := row.Scan(&p.ID, &p.Team, &p.Name, &p.IsDefault, &p.RepeatCount, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &autoerrors.NotFoundError{Resource: "escalation_policy", ID: id}
		}
		return nil, fmt.Errorf("failed to get escalation policy %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, level_number, target_kind, target_id, timeout_minutes
		FROM escalation_levels WHERE policy_id = ? ORDER BY level_number ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalation levels for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var level EscalationLevel
		if err := rows.Scan(&level.ID, &level.PolicyID, &level.LevelNumber, &level.TargetKind,
			&level.TargetID, &level.TimeoutMinutes); err != nil {
			return nil, fmt.Errorf("failed to scan escalation level: %w", err)
		}
		p.Levels = append(p.Levels, level)
	}
	return &p, rows.Err()
}

// GetDefaultEscalationPolicy returns a team's default policy, if any.
func (s *Store) GetDefaultEscalationPolicy(ctx context.Context, team string) (*EscalationPolicy, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM escalation_policies WHERE team = ? AND is_default = 1`, team).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &autoerrors.NotFoundError{Resource: "escalation_policy", ID: "default:" + team}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up default policy for %s: %w", team, err)
	}
	return s.GetEscalationPolicy(ctx, id)
}

// CreateEscalationJob inserts a new active escalation job for an
// incident. The partial unique index on (incident_id) WHERE completed
// = 0 turns a second concurrent attempt into a ConflictError rather
// than a silent duplicate timer. tx may be nil to run outside a
// transaction.
func (s *Store) CreateEscalationJob(ctx context.Context, tx *sql.Tx, job *EscalationJob) error {
	const q = `
		INSERT INTO escalation_jobs (id, incident_id, target_level, repeat_index, queue_job_id, scheduled_for, completed)
		VALUES (?, ?, ?, ?, ?, ?, 0)`
	args := []any{job.ID, job.IncidentID, job.TargetLevel, job.RepeatIndex, job.QueueJobID, job.ScheduledFor}

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = s.db.ExecContext(ctx, q, args...)
	}
	if isUniqueConstraintErr(err) {
		return &autoerrors.ConflictError{Resource: "escalation_job", Reason: "an active escalation job already exists for this incident"}
	}
	if err != nil {
		return fmt.Errorf("failed to create escalation job: %w", err)
	}
	return nil
}

// GetActiveEscalationJob returns the single non-completed escalation
// job for an incident, if one exists.
func (s *Store) GetActiveEscalationJob(ctx context.Context, incidentID string) (*EscalationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_id, target_level, repeat_index, queue_job_id, scheduled_for, executed_at, completed
		FROM escalation_jobs WHERE incident_id = ? AND completed = 0`, incidentID)

	var job EscalationJob
	var executedAt sql.NullTime
	if err := row.Scan(&job.ID, &job.IncidentID, &job.TargetLevel, &job.RepeatIndex, &job.QueueJobID,
		&job.ScheduledFor, &executedAt, &job.Completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &autoerrors.NotFoundError{Resource: "escalation_job", ID: "active:" + incidentID}
		}
		return nil, fmt.Errorf("failed to get active escalation job for %s: %w", incidentID, err)
	}
	if executedAt.Valid {
		job.ExecutedAt = &executedAt.Time
	}
	return &job, nil
}

// CompleteEscalationJob marks a job as completed, freeing the incident
// to receive a new active job (via advance, cancel, or acknowledgement).
// tx may be nil to run outside a transaction.
func (s *Store) CompleteEscalationJob(ctx context.Context, tx *sql.Tx, id string, executedAt time.Time) error {
	const q = `UPDATE escalation_jobs SET completed = 1, executed_at = ? WHERE id = ?`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, executedAt, id)
	} else {
		_, err = s.db.ExecContext(ctx, q, executedAt, id)
	}
	if err != nil {
		return fmt.Errorf("failed to complete escalation job %s: %w", id, err)
	}
	return nil
}

// CancelActiveEscalationJob completes whatever active job exists for
// an incident (a no-op if none does), used on acknowledgement and on
// explicit escalation cancellation.
func (s *Store) CancelActiveEscalationJob(ctx context.Context, tx *sql.Tx, incidentID string) error {
	const q = `UPDATE escalation_jobs SET completed = 1 WHERE incident_id = ? AND completed = 0`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, incidentID)
	} else {
		_, err = s.db.ExecContext(ctx, q, incidentID)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel active escalation job for %s: %w", incidentID, err)
	}
	return nil
}

// ListStaleEscalationJobs returns non-completed jobs whose
// scheduled_for has passed but whose queue job never executed,
// surfaced to the reconciliation sweep so it can re-enqueue them.
func (s *Store) ListStaleEscalationJobs(ctx context.Context, olderThan time.Time) ([]*EscalationJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, target_level, repeat_index, queue_job_id, scheduled_for, executed_at, completed
		FROM escalation_jobs
		WHERE completed = 0 AND executed_at IS NULL AND scheduled_for < ?`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale escalation jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*EscalationJob
	for rows.Next() {
		var job EscalationJob
		var executedAt sql.NullTime
		if err := rows.Scan(&job.ID, &job.IncidentID, &job.TargetLevel, &job.RepeatIndex, &job.QueueJobID,
			&job.ScheduledFor, &executedAt, &job.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan stale escalation job: %w", err)
		}
		if executedAt.Valid {
			job.ExecutedAt = &executedAt.Time
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
