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
	"fmt"
	"time"
)

// AcquireLease attempts to claim or renew the lease row for topic on
// behalf of ownerID. It succeeds if the row doesn't exist yet, is
// already held by ownerID (renewal), or has expired. Replaces
// Postgres advisory locks: SQLite has no server process to hold a
// session-scoped lock against, so leadership here is a plain
// lease row contested with a conditional UPDATE/INSERT.
func (s *Store) AcquireLease(ctx context.Context, topic, ownerID string, expiresAt time.Time) (bool, error) {
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE leader_locks SET owner_id = ?, expires_at = ?
		WHERE topic = ? AND (owner_id = ? OR expires_at < ?)`,
		ownerID, expiresAt, topic, ownerID, now)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease for %s: %w", topic, err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return false, fmt.Errorf("failed to check lease renewal: %w", err)
	} else if affected > 0 {
		return true, nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO leader_locks (topic, owner_id, expires_at) VALUES (?, ?, ?)`,
		topic, ownerID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert lease for %s: %w", topic, err)
	}

	var heldBy string
	err = s.db.QueryRowContext(ctx, `SELECT owner_id FROM leader_locks WHERE topic = ?`, topic).Scan(&heldBy)
	if err != nil {
		return false, fmt.Errorf("failed to verify lease holder for %s: %w", topic, err)
	}
	return heldBy == ownerID, nil
}

// ReleaseLease drops ownerID's lease on topic, if it still holds it,
// allowing another instance to acquire immediately rather than waiting
// out the lease duration. Used on graceful shutdown.
func (s *Store) ReleaseLease(ctx context.Context, topic, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leader_locks WHERE topic = ? AND owner_id = ?`, topic, ownerID)
	if err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", topic, err)
	}
	return nil
}

// LeaseHolder returns the current holder of topic's lease and its
// expiry, if a lease row exists.
func (s *Store) LeaseHolder(ctx context.Context, topic string) (ownerID string, expiresAt time.Time, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT owner_id, expires_at FROM leader_locks WHERE topic = ?`, topic)
	err = row.Scan(&ownerID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read lease holder for %s: %w", topic, err)
	}
	return ownerID, expiresAt, nil
}
