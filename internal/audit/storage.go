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

// Package audit appends and queries the timeline/audit trail shared
// by every engine: incident transitions, escalation level triggers,
// workflow executions, runbook approval changes, and service graph
// edits.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/automation-core/internal/store"
)

// Severity levels for an audit event. Approval transitions on
// runbooks are always recorded at SeverityHigh.
const (
	SeverityInfo = "info"
	SeverityHigh = "high"
)

// Sink writes audit events and enforces retention.
type Sink struct {
	store         *store.Store
	retentionDays int
	logger        *slog.Logger
}

// NewSink creates an audit Sink backed by s. retentionDays controls
// how far back PurgeExpired reaches; zero defaults to 90.
func NewSink(s *store.Store, retentionDays int, logger *slog.Logger) *Sink {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: s, retentionDays: retentionDays, logger: logger.With(slog.String("component", "audit"))}
}

// Event is what callers supply to Append; ID and CreatedAt are
// assigned by the sink.
type Event struct {
	Action       string
	UserID       string
	TeamID       string
	ResourceType string
	ResourceID   string
	Severity     string
	Metadata     map[string]any
}

// Append writes ev using tx when non-nil, so the write lands in the
// same transaction as the state mutation it records. Pass a nil tx
// for a standalone write.
func (s *Sink) Append(ctx context.Context, tx *sql.Tx, id string, ev Event, occurredAt time.Time) error {
	severity := ev.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	return s.store.AppendAuditEvent(ctx, tx, &store.AuditEvent{
		ID:           id,
		Action:       ev.Action,
		UserID:       ev.UserID,
		TeamID:       ev.TeamID,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Severity:     severity,
		Metadata:     ev.Metadata,
		CreatedAt:    occurredAt,
	})
}

// History returns a resource's full audit trail in chronological order.
func (s *Sink) History(ctx context.Context, resourceType, resourceID string) ([]*store.AuditEvent, error) {
	events, err := s.store.ListAuditEventsForResource(ctx, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit history for %s/%s: %w", resourceType, resourceID, err)
	}
	return events, nil
}

// PurgeExpired deletes audit rows older than the configured
// retention, logging the number removed. Intended as a
// scheduler.Job.Run body, gated to a single leader.
func (s *Sink) PurgeExpired(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	removed, err := s.store.PurgeAuditEventsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge expired audit events: %w", err)
	}
	if removed > 0 {
		s.logger.Info("purged expired audit events", slog.Int64("removed", removed), slog.Time("cutoff", cutoff))
	}
	return nil
}
