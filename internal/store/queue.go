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

// QueueJobStatus values. "pending" and "in_flight" are the only
// non-terminal states a dedup key can occupy.
const (
	QueueJobPending   = "pending"
	QueueJobInFlight  = "in_flight"
	QueueJobCompleted = "completed"
	QueueJobCancelled = "cancelled"
	QueueJobFailed    = "failed"
)

// QueueJob is a durable unit of work on one of the queue's topics
// (escalation, workflow, runbook).
type QueueJob struct {
	ID           string
	Topic        string
	Payload      string
	DedupKey     string
	Status       string
	Attempts     int
	LastError    string
	ScheduledFor time.Time
	ExecutedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EnqueueJob inserts a new job. If a non-terminal job already exists
// with the same (topic, dedupKey), the insert is skipped and the
// existing job's id is returned, implementing enqueue's
// dedup-on-non-terminal-match contract without the caller needing to
// pre-check.
func (s *Store) EnqueueJob(ctx context.Context, job *QueueJob) (string, error) {
	var existingID string
	if job.DedupKey != "" {
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM queue_jobs
			WHERE topic = ? AND dedup_key = ? AND status IN ('pending', 'in_flight')`,
			job.Topic, job.DedupKey).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to check for existing job: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, topic, payload, dedup_key, status, attempts, scheduled_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.Topic, job.Payload, nullString(job.DedupKey), QueueJobPending,
		job.ScheduledFor, job.CreatedAt, job.CreatedAt)
	if isUniqueConstraintErr(err) {
		// Lost a race against a concurrent enqueue of the same dedup key.
		var id string
		lookupErr := s.db.QueryRowContext(ctx, `
			SELECT id FROM queue_jobs
			WHERE topic = ? AND dedup_key = ? AND status IN ('pending', 'in_flight')`,
			job.Topic, job.DedupKey).Scan(&id)
		if lookupErr != nil {
			return "", fmt.Errorf("failed to resolve dedup race: %w", lookupErr)
		}
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// ClaimDueJobs atomically claims up to limit pending jobs on topic
// whose scheduled_for has arrived, marking them in_flight so no other
// worker pool claims the same row.
func (s *Store) ClaimDueJobs(ctx context.Context, topic string, now time.Time, limit int) ([]*QueueJob, error) {
	var claimed []*QueueJob

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM queue_jobs
			WHERE topic = ? AND status = ? AND scheduled_for <= ?
			ORDER BY scheduled_for ASC LIMIT ?`, topic, QueueJobPending, now, limit)
		if err != nil {
			return fmt.Errorf("failed to select due jobs: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan due job id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			result, err := tx.ExecContext(ctx,
				`UPDATE queue_jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`,
				QueueJobInFlight, now, id, QueueJobPending)
			if err != nil {
				return fmt.Errorf("failed to claim job %s: %w", id, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to check claim result: %w", err)
			}
			if affected == 0 {
				continue // claimed by a concurrent worker between select and update
			}

			row := tx.QueryRowContext(ctx, `
				SELECT id, topic, payload, dedup_key, status, attempts, last_error, scheduled_for,
				       executed_at, created_at, updated_at
				FROM queue_jobs WHERE id = ?`, id)
			job, err := scanQueueJob(row)
			if err != nil {
				return fmt.Errorf("failed to load claimed job %s: %w", id, err)
			}
			claimed = append(claimed, job)
		}
		return nil
	})

	return claimed, err
}

// MarkJobExecuted records that a worker began side-effecting work on a
// job, before those side effects run, so a crash mid-execution is
// visible to reconciliation even though the job row is still in_flight.
func (s *Store) MarkJobExecuted(ctx context.Context, id string, executedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET executed_at = ?, updated_at = ? WHERE id = ?`, executedAt, executedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark job %s executed: %w", id, err)
	}
	return nil
}

// CompleteJob marks a job as successfully completed.
func (s *Store) CompleteJob(ctx context.Context, id string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = ?, updated_at = ? WHERE id = ?`, QueueJobCompleted, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// FailJob marks a job failed. If retryable and attempts remain under
// maxRetries, the job is rescheduled at nextAttempt instead of being
// parked as terminally failed.
func (s *Store) FailJob(ctx context.Context, id string, lastError string, retryable bool, attempts, maxRetries int, nextAttempt time.Time) error {
	status := QueueJobFailed
	scheduledUpdate := ""
	if retryable && attempts < maxRetries {
		status = QueueJobPending
		scheduledUpdate = ", scheduled_for = ?"
	}

	query := fmt.Sprintf(`UPDATE queue_jobs SET status = ?, last_error = ?, updated_at = ?%s WHERE id = ?`, scheduledUpdate)
	args := []any{status, lastError, time.Now().UTC()}
	if scheduledUpdate != "" {
		args = append(args, nextAttempt)
	}
	args = append(args, id)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	return nil
}

// CancelJob marks a job cancelled. Idempotent: cancelling an
// already-terminal job is a no-op, not an error.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_flight')`, QueueJobCancelled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	return nil
}

// ListInFlightJobs returns jobs stuck in_flight on a topic, the
// reconciliation sweep's input for rescheduling work orphaned by a
// crashed worker.
func (s *Store) ListInFlightJobs(ctx context.Context, topic string) ([]*QueueJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload, dedup_key, status, attempts, last_error, scheduled_for,
		       executed_at, created_at, updated_at
		FROM queue_jobs WHERE topic = ? AND status = ?`, topic, QueueJobInFlight)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight jobs for %s: %w", topic, err)
	}
	defer rows.Close()

	var jobs []*QueueJob
	for rows.Next() {
		job, err := scanQueueJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListFailedJobsSince returns jobs on topic that reached the terminal
// failed status at or after since, for callers that need to surface
// a permanent failure against whatever domain record the job backs
// (e.g. an escalation job marked escalation.level.failed).
func (s *Store) ListFailedJobsSince(ctx context.Context, topic string, since time.Time) ([]*QueueJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload, dedup_key, status, attempts, last_error, scheduled_for,
		       executed_at, created_at, updated_at
		FROM queue_jobs WHERE topic = ? AND status = ? AND updated_at >= ?`, topic, QueueJobFailed, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs for %s: %w", topic, err)
	}
	defer rows.Close()

	var jobs []*QueueJob
	for rows.Next() {
		job, err := scanQueueJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequeueJob resets an in_flight job back to pending at scheduledFor,
// used by reconciliation to give an orphaned job another chance.
func (s *Store) RequeueJob(ctx context.Context, id string, scheduledFor time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = ?, scheduled_for = ?, executed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`, QueueJobPending, scheduledFor, time.Now().UTC(), id, QueueJobInFlight)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return nil
}

// GetQueueJob loads a job by id.
func (s *Store) GetQueueJob(ctx context.Context, id string) (*QueueJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, payload, dedup_key, status, attempts, last_error, scheduled_for,
		       executed_at, created_at, updated_at
		FROM queue_jobs WHERE id = ?`, id)
	job, err := scanQueueJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &autoerrors.NotFoundError{Resource: "queue_job", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue job %s: %w", id, err)
	}
	return job, nil
}

func scanQueueJob(row rowScanner) (*QueueJob, error) {
	var job QueueJob
	var dedupKey, lastError sql.NullString
	var executedAt sql.NullTime
	if err := row.Scan(&job.ID, &job.Topic, &job.Payload, &dedupKey, &job.Status, &job.Attempts,
		&lastError, &job.ScheduledFor, &executedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.DedupKey = dedupKey.String
	job.LastError = lastError.String
	if executedAt.Valid {
		job.ExecutedAt = &executedAt.Time
	}
	return &job, nil
}
