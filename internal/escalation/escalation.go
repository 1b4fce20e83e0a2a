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

// Package escalation drives an OPEN incident through its escalation
// policy's levels on a timer, repeating the ladder up to the policy's
// repeat count until acknowledged.
package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation-core/internal/audit"
	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/queue"
	"github.com/tombee/automation-core/internal/store"
)

const Topic = "escalation"
const NotifyTopic = "notify"

const (
	TargetUser       = "user"
	TargetSchedule   = "schedule"
	TargetEntireTeam = "entire_team"
)

// Target is one resolved notification recipient for a level.
type Target struct {
	Kind string
	ID   string
}

// Resolver resolves escalation targets at dispatch time. Schedule
// lookups are deliberately uncached per level (the on-call rotation
// may have rotated between levels); the identity/roster system this
// interface fronts is external to this module.
type Resolver interface {
	// ResolveUser returns the single target for a user-kind level.
	ResolveUser(ctx context.Context, userID string) (Target, error)
	// ResolveScheduleOnCall returns the user currently on call for a schedule.
	ResolveScheduleOnCall(ctx context.Context, scheduleID string) (Target, error)
	// ResolveTeamResponders returns every active responder of a team.
	ResolveTeamResponders(ctx context.Context, team string) ([]Target, error)
}

// LevelEvent is emitted whenever an escalation advances to a level,
// so the workflow engine's "escalation" trigger kind can match it.
type LevelEvent struct {
	IncidentID string
	PolicyID   string
	Level      int
	RepeatIdx  int
	Targets    []Target
	OccurredAt time.Time
}

type LevelListener func(ctx context.Context, ev LevelEvent)

// Engine implements start/advance/cancel/reconcileStale against a
// durable queue topic: one EscalationJob row tracks the single active
// timer per incident, one durably-enqueued queue job drives it
// forward, and the two share an id so a queue job's dedup key always
// matches the EscalationJob it represents.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	audit    *audit.Sink
	resolver Resolver
	logger   *slog.Logger

	listeners []LevelListener
}

func New(s *store.Store, q *queue.Queue, auditSink *audit.Sink, resolver Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, queue: q, audit: auditSink, resolver: resolver, logger: logger}
}

// OnLevelTriggered registers a callback invoked whenever an
// escalation advances to a level (the "escalation" trigger kind).
func (e *Engine) OnLevelTriggered(l LevelListener) {
	e.listeners = append(e.listeners, l)
}

// RegisterWorker wires the engine as the handler for the escalation
// topic. Call once per process during startup, before any jobs are
// enqueued on this topic.
func (e *Engine) RegisterWorker(ctx context.Context, cfg queue.TopicConfig) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	e.queue.RegisterTopic(ctx, Topic, cfg, e.handleJob)
}

type jobPayload struct {
	IncidentID      string `json:"incident_id"`
	PolicyID        string `json:"policy_id"`
	Level           int    `json:"level"`
	RepeatIndex     int    `json:"repeat_index"`
	EscalationJobID string `json:"escalation_job_id"`
}

// Start schedules level 1 of policy for incidentID at now, and writes
// the escalation.started timeline event. Calling Start a second time
// for an incident that already has an active job is a no-op: the
// partial unique index on escalation_jobs makes the second
// CreateEscalationJob a ConflictError, which Start swallows.
func (e *Engine) Start(ctx context.Context, incidentID string, policy *store.EscalationPolicy) error {
	if len(policy.Levels) == 0 {
		return &autoerrors.InvalidRequestError{Field: "levels", Message: "policy has no levels"}
	}

	jobID := uuid.NewString()
	now := time.Now().UTC()
	if err := e.store.CreateEscalationJob(ctx, nil, &store.EscalationJob{
		ID: jobID, IncidentID: incidentID, TargetLevel: 1, RepeatIndex: 0,
		QueueJobID: jobID, ScheduledFor: now,
	}); err != nil {
		if isConflict(err) {
			return nil
		}
		return fmt.Errorf("failed to create escalation job: %w", err)
	}

	if _, err := e.enqueue(ctx, jobID, jobPayload{
		IncidentID: incidentID, PolicyID: policy.ID, Level: 1, RepeatIndex: 0, EscalationJobID: jobID,
	}, 0); err != nil {
		return err
	}

	if err := e.store.AppendTimelineEvent(ctx, nil, &store.TimelineEvent{
		ID: uuid.NewString(), IncidentID: incidentID, Kind: "escalation.started",
		Metadata: map[string]any{"policy_id": policy.ID}, CreatedAt: now,
	}); err != nil {
		e.logger.WarnContext(ctx, "failed to append escalation.started timeline event", "incident_id", incidentID, "error", err)
	}
	if e.audit != nil {
		_ = e.audit.Append(ctx, nil, uuid.NewString(), audit.Event{
			Action: "escalation.started", ResourceType: "incident", ResourceID: incidentID,
			Metadata: map[string]any{"policy_id": policy.ID},
		}, now)
	}
	return nil
}

// Cancel completes whatever active EscalationJob exists for
// incidentID. Called on incident.acknowledged, incident.resolved, and
// policy change.
func (e *Engine) Cancel(ctx context.Context, incidentID string) error {
	return e.store.CancelActiveEscalationJob(ctx, nil, incidentID)
}

// ReconcileStale re-enqueues EscalationJobs that are neither completed
// nor executed and whose scheduled time is more than grace in the
// past; the backing queue job's own state is not checked.
func (e *Engine) ReconcileStale(ctx context.Context, grace time.Duration) (int, error) {
	stale, err := e.store.ListStaleEscalationJobs(ctx, time.Now().UTC().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale escalation jobs: %w", err)
	}
	for _, job := range stale {
		qjob, err := e.store.GetQueueJob(ctx, job.QueueJobID)
		if err != nil {
			e.logger.WarnContext(ctx, "stale escalation job has no backing queue job", "escalation_job_id", job.ID, "error", err)
			continue
		}
		var payload jobPayload
		if err := json.Unmarshal([]byte(qjob.Payload), &payload); err != nil {
			e.logger.WarnContext(ctx, "failed to unmarshal stale job payload", "escalation_job_id", job.ID, "error", err)
			continue
		}
		if _, err := e.enqueue(ctx, job.ID+":reconcile:"+uuid.NewString(), payload, 0); err != nil {
			e.logger.WarnContext(ctx, "failed to re-enqueue stale escalation job", "escalation_job_id", job.ID, "error", err)
		}
	}
	return len(stale), nil
}

// SweepFailedLevels surfaces escalation jobs whose queue-backed level
// timer exhausted its retries (queue.TopicConfig.MaxRetries) at or
// after since, appending an escalation.level.failed timeline/audit
// entry for each so the failure is visible on the incident even though
// the ladder itself has stalled. Intended to run periodically,
// leader-gated, via scheduler.Job.
func (e *Engine) SweepFailedLevels(ctx context.Context, since time.Time) (int, error) {
	failed, err := e.store.ListFailedJobsSince(ctx, Topic, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed escalation jobs: %w", err)
	}

	now := time.Now().UTC()
	for _, qjob := range failed {
		var payload jobPayload
		if err := json.Unmarshal([]byte(qjob.Payload), &payload); err != nil {
			e.logger.WarnContext(ctx, "failed to unmarshal failed escalation job payload", "queue_job_id", qjob.ID, "error", err)
			continue
		}

		if err := e.store.AppendTimelineEvent(ctx, nil, &store.TimelineEvent{
			ID: uuid.NewString(), IncidentID: payload.IncidentID, Kind: "escalation.level.failed",
			Metadata: map[string]any{"level": payload.Level, "repeat_index": payload.RepeatIndex, "last_error": qjob.LastError},
			CreatedAt: now,
		}); err != nil {
			e.logger.WarnContext(ctx, "failed to append escalation.level.failed timeline event", "incident_id", payload.IncidentID, "error", err)
			continue
		}
		if e.audit != nil {
			_ = e.audit.Append(ctx, nil, uuid.NewString(), audit.Event{
				Action: "escalation.level.failed", ResourceType: "incident", ResourceID: payload.IncidentID,
				Metadata: map[string]any{"level": payload.Level, "repeat_index": payload.RepeatIndex, "last_error": qjob.LastError},
			}, now)
		}
	}
	return len(failed), nil
}

// handleJob is the queue worker entrypoint for the escalation topic:
// it implements advance(incidentId, toLevel, repeatNumber).
func (e *Engine) handleJob(ctx context.Context, raw []byte) error {
	var payload jobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal escalation job payload: %w", err)
	}

	active, err := e.store.GetActiveEscalationJob(ctx, payload.IncidentID)
	if err != nil {
		// No active job: already acknowledged/resolved/cancelled between
		// enqueue and dispatch. Not an error, just nothing to do.
		return nil
	}
	if active.ID != payload.EscalationJobID {
		// Superseded by a later job for the same incident (e.g. a repeat
		// loop restart); this stale execution is a no-op.
		return nil
	}

	policy, err := e.store.GetEscalationPolicy(ctx, payload.PolicyID)
	if err != nil {
		return fmt.Errorf("failed to load escalation policy %s: %w", payload.PolicyID, err)
	}

	now := time.Now().UTC()
	level, ok := levelByNumber(policy, payload.Level)
	if !ok {
		return e.advancePastLadder(ctx, active, payload, policy, now)
	}

	targets := e.resolveTargets(ctx, level)
	if err := e.recordLevelTriggered(ctx, payload, level, targets, now); err != nil {
		e.logger.WarnContext(ctx, "failed to record escalation.level.triggered", "incident_id", payload.IncidentID, "error", err)
	}
	for _, t := range targets {
		if _, err := e.queue.Enqueue(ctx, NotifyTopic, map[string]any{
			"target_kind": t.Kind, "target_id": t.ID, "incident_id": payload.IncidentID,
		}, queue.EnqueueOptions{}); err != nil {
			e.logger.WarnContext(ctx, "failed to enqueue notify directive", "incident_id", payload.IncidentID, "error", err)
		}
	}
	e.notify(ctx, LevelEvent{
		IncidentID: payload.IncidentID, PolicyID: payload.PolicyID, Level: payload.Level,
		RepeatIdx: payload.RepeatIndex, Targets: targets, OccurredAt: now,
	})

	return e.scheduleNextLevel(ctx, active, payload, payload.Level+1, payload.RepeatIndex, now.Add(time.Duration(level.TimeoutMinutes)*time.Minute))
}

func (e *Engine) advancePastLadder(ctx context.Context, active *store.EscalationJob, payload jobPayload, policy *store.EscalationPolicy, now time.Time) error {
	if payload.RepeatIndex < policy.RepeatCount {
		return e.scheduleNextLevel(ctx, active, payload, 1, payload.RepeatIndex+1, now)
	}
	return e.store.CompleteEscalationJob(ctx, nil, active.ID, now)
}

// scheduleNextLevel completes the firing job and creates its
// successor in one transaction, so a crash between the two never
// leaves an incident with neither an active job nor a pending one.
func (e *Engine) scheduleNextLevel(ctx context.Context, completing *store.EscalationJob, payload jobPayload, nextLevel, nextRepeat int, scheduledFor time.Time) error {
	nextID := uuid.NewString()
	skip := false

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.CompleteEscalationJob(ctx, tx, completing.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to complete escalation job %s: %w", completing.ID, err)
		}
		if err := e.store.CreateEscalationJob(ctx, tx, &store.EscalationJob{
			ID: nextID, IncidentID: payload.IncidentID, TargetLevel: nextLevel, RepeatIndex: nextRepeat,
			QueueJobID: nextID, ScheduledFor: scheduledFor,
		}); err != nil {
			if isConflict(err) {
				skip = true
				return nil
			}
			return fmt.Errorf("failed to create next escalation job: %w", err)
		}
		return nil
	})
	if err != nil || skip {
		return err
	}

	delay := time.Until(scheduledFor)
	if delay < 0 {
		delay = 0
	}
	_, err = e.enqueue(ctx, nextID, jobPayload{
		IncidentID: payload.IncidentID, PolicyID: payload.PolicyID, Level: nextLevel,
		RepeatIndex: nextRepeat, EscalationJobID: nextID,
	}, delay)
	return err
}

func (e *Engine) recordLevelTriggered(ctx context.Context, payload jobPayload, level store.EscalationLevel, targets []Target, now time.Time) error {
	targetIDs := make([]string, len(targets))
	for i, t := range targets {
		targetIDs[i] = t.Kind + ":" + t.ID
	}
	if err := e.store.AppendTimelineEvent(ctx, nil, &store.TimelineEvent{
		ID: uuid.NewString(), IncidentID: payload.IncidentID, Kind: "escalation.level.triggered",
		Metadata: map[string]any{"level": level.LevelNumber, "targets": targetIDs}, CreatedAt: now,
	}); err != nil {
		return err
	}
	if e.audit != nil {
		return e.audit.Append(ctx, nil, uuid.NewString(), audit.Event{
			Action: "escalation.level.triggered", ResourceType: "incident", ResourceID: payload.IncidentID,
			Metadata: map[string]any{"level": level.LevelNumber, "targets": targetIDs},
		}, now)
	}
	return nil
}

// resolveTargets resolves a level's targets via the configured
// Resolver. Lookup errors are logged and swallowed: the ladder must
// not stall on a transient identity-system issue.
func (e *Engine) resolveTargets(ctx context.Context, level store.EscalationLevel) []Target {
	switch level.TargetKind {
	case TargetUser:
		t, err := e.resolver.ResolveUser(ctx, level.TargetID)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to resolve user target", "user_id", level.TargetID, "error", err)
			return nil
		}
		return []Target{t}
	case TargetSchedule:
		t, err := e.resolver.ResolveScheduleOnCall(ctx, level.TargetID)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to resolve schedule on-call target", "schedule_id", level.TargetID, "error", err)
			return nil
		}
		return []Target{t}
	case TargetEntireTeam:
		targets, err := e.resolver.ResolveTeamResponders(ctx, level.TargetID)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to resolve team responders", "team", level.TargetID, "error", err)
			return nil
		}
		return targets
	default:
		e.logger.WarnContext(ctx, "unknown escalation target kind", "kind", level.TargetKind)
		return nil
	}
}

func (e *Engine) enqueue(ctx context.Context, jobID string, payload jobPayload, delay time.Duration) (string, error) {
	return e.queue.Enqueue(ctx, Topic, payload, queue.EnqueueOptions{JobID: jobID, Delay: delay})
}

func (e *Engine) notify(ctx context.Context, ev LevelEvent) {
	for _, l := range e.listeners {
		l(ctx, ev)
	}
}

func levelByNumber(policy *store.EscalationPolicy, n int) (store.EscalationLevel, bool) {
	for _, l := range policy.Levels {
		if l.LevelNumber == n {
			return l, true
		}
	}
	return store.EscalationLevel{}, false
}

func isConflict(err error) bool {
	var conflict *autoerrors.ConflictError
	return errors.As(err, &conflict)
}
