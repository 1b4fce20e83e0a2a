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

// Package incident implements the on-call incident lifecycle state
// machine: legal status transitions, timeline/audit recording, and
// escalation cancellation on acknowledgement.
package incident

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation-core/internal/audit"
	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/store"
)

// Status values an incident may hold.
const (
	StatusOpen         = "OPEN"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusResolved     = "RESOLVED"
	StatusClosed       = "CLOSED"
	StatusArchived     = "ARCHIVED"
)

// legalTransitions maps a source status to the set of statuses it may
// move to directly.
var legalTransitions = map[string]map[string]bool{
	StatusOpen:         {StatusAcknowledged: true, StatusResolved: true},
	StatusAcknowledged: {StatusResolved: true},
	StatusResolved:     {StatusClosed: true, StatusOpen: true, StatusArchived: true},
	StatusClosed:       {StatusArchived: true},
	StatusArchived:     {},
}

func isLegalTransition(from, to string) bool {
	return legalTransitions[from] != nil && legalTransitions[from][to]
}

// LifecycleEvent is emitted on every successful transition, consumed
// by the workflow engine's state_changed trigger matching and the
// escalation engine's cancel-on-acknowledge/resolve hook.
type LifecycleEvent struct {
	IncidentID string
	From       string
	To         string
	ActorID    string
	OccurredAt time.Time
}

// LifecycleListener is notified after a transition commits.
type LifecycleListener func(ctx context.Context, ev LifecycleEvent)

// Engine applies transitions to incidents, recording a timeline entry
// and an audit event in the same transaction as the state mutation.
type Engine struct {
	store     *store.Store
	audit     *audit.Sink
	listeners []LifecycleListener
}

// New creates an incident Engine.
func New(s *store.Store, auditSink *audit.Sink) *Engine {
	return &Engine{store: s, audit: auditSink}
}

// OnLifecycleEvent registers a callback invoked after every committed
// transition (including creation, reported as a transition from "" to
// OPEN).
func (e *Engine) OnLifecycleEvent(l LifecycleListener) {
	e.listeners = append(e.listeners, l)
}

// CreateInput describes a new incident.
type CreateInput struct {
	Title              string
	Priority           string
	Team               string
	EscalationPolicyID string
	Metadata           map[string]any
}

// Create inserts a new OPEN incident and records incident.created.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*store.Incident, error) {
	now := time.Now().UTC()
	inc := &store.Incident{
		ID:                 uuid.NewString(),
		Title:              in.Title,
		Priority:           in.Priority,
		Status:             StatusOpen,
		Team:               in.Team,
		EscalationPolicyID: in.EscalationPolicyID,
		Metadata:           in.Metadata,
		Version:            0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.CreateIncident(ctx, tx, inc); err != nil {
			return err
		}
		if err := e.store.AppendTimelineEvent(ctx, tx, &store.TimelineEvent{
			ID: uuid.NewString(), IncidentID: inc.ID, Kind: "incident.created", CreatedAt: now,
		}); err != nil {
			return err
		}
		return e.audit.Append(ctx, tx, uuid.NewString(), audit.Event{
			Action: "incident.created", TeamID: in.Team, ResourceType: "incident", ResourceID: inc.ID,
		}, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	e.notify(ctx, LifecycleEvent{IncidentID: inc.ID, From: "", To: StatusOpen, OccurredAt: now})
	return inc, nil
}

// TransitionInput describes a requested status change.
type TransitionInput struct {
	IncidentID string
	To         string
	ActorID    string
	Note       string
}

// kindForTransition maps a target status to its timeline event kind.
var kindForTransition = map[string]string{
	StatusAcknowledged: "incident.acknowledged",
	StatusResolved:     "incident.resolved",
	StatusClosed:       "incident.closed",
	StatusArchived:     "incident.archived",
	StatusOpen:         "incident.reopened",
}

// Transition applies a legal status change. ARCHIVED is reachable
// only from CLOSED or RESOLVED, enforced by legalTransitions on
// CLOSED and RESOLVED both permitting it explicitly, and OPEN/
// ACKNOWLEDGED not permitting it at all.
func (e *Engine) Transition(ctx context.Context, in TransitionInput) (*store.Incident, error) {
	inc, err := e.store.GetIncident(ctx, in.IncidentID)
	if err != nil {
		return nil, err
	}

	if !isLegalTransition(inc.Status, in.To) {
		return nil, &autoerrors.InvalidTransitionError{Resource: "incident", From: inc.Status, To: in.To}
	}

	from := inc.Status
	now := time.Now().UTC()
	inc.Status = in.To
	inc.UpdatedAt = now
	switch in.To {
	case StatusResolved:
		inc.ResolvedAt = &now
	case StatusClosed:
		inc.ClosedAt = &now
	}

	kind := kindForTransition[in.To]
	metadata := map[string]any{"from": from, "to": in.To}
	if in.Note != "" {
		metadata["note"] = in.Note
	}
	expectedVersion := inc.Version

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.UpdateIncident(ctx, tx, inc, expectedVersion); err != nil {
			return err
		}
		if err := e.store.AppendTimelineEvent(ctx, tx, &store.TimelineEvent{
			ID: uuid.NewString(), IncidentID: inc.ID, Kind: kind, ActorID: in.ActorID, Metadata: metadata, CreatedAt: now,
		}); err != nil {
			return err
		}
		if in.To == StatusAcknowledged || in.To == StatusResolved {
			if err := e.store.CancelActiveEscalationJob(ctx, tx, inc.ID); err != nil {
				return err
			}
		}
		return e.audit.Append(ctx, tx, uuid.NewString(), audit.Event{
			Action: kind, UserID: in.ActorID, TeamID: inc.Team, ResourceType: "incident", ResourceID: inc.ID, Metadata: metadata,
		}, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to transition incident %s: %w", inc.ID, err)
	}

	e.notify(ctx, LifecycleEvent{IncidentID: inc.ID, From: from, To: in.To, ActorID: in.ActorID, OccurredAt: now})
	return inc, nil
}

func (e *Engine) notify(ctx context.Context, ev LifecycleEvent) {
	for _, l := range e.listeners {
		l(ctx, ev)
	}
}
