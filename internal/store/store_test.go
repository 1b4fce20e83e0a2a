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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autoerrors "github.com/tombee/automation-core/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_IncidentCreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inc := &Incident{
		ID:        uuid.NewString(),
		Title:     "checkout API returning 500s",
		Priority:  "HIGH",
		Status:    "OPEN",
		Team:      "payments",
		Metadata:  map[string]any{"region": "us-east-1"},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateIncident(ctx, nil, inc))

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "OPEN", got.Status)
	assert.Equal(t, "us-east-1", got.Metadata["region"])

	got.Status = "ACKNOWLEDGED"
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.UpdateIncident(ctx, nil, got, 1))

	after, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACKNOWLEDGED", after.Status)
	assert.Equal(t, 2, after.Version)

	// Stale version is rejected with a conflict.
	err = s.UpdateIncident(ctx, nil, after, 1)
	var conflict *autoerrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestStore_IncidentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetIncident(context.Background(), "missing")
	var nf *autoerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestStore_TimelineAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	incidentID := uuid.NewString()

	for i, kind := range []string{"created", "acknowledged", "resolved"} {
		require.NoError(t, s.AppendTimelineEvent(ctx, nil, &TimelineEvent{
			ID:         uuid.NewString(),
			IncidentID: incidentID,
			Kind:       kind,
			Metadata:   map[string]any{"seq": i},
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := s.ListTimeline(ctx, incidentID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "created", events[0].Kind)
	assert.Equal(t, "resolved", events[2].Kind)
}

func TestStore_EscalationPolicyDefaultIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &EscalationPolicy{
		ID: uuid.NewString(), Team: "payments", Name: "primary", IsDefault: true,
		Levels:    []EscalationLevel{{ID: uuid.NewString(), LevelNumber: 1, TargetKind: "user", TargetID: "u1", TimeoutMinutes: 5}},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateEscalationPolicy(ctx, first))

	second := &EscalationPolicy{
		ID: uuid.NewString(), Team: "payments", Name: "backup", IsDefault: true,
		Levels:    []EscalationLevel{{ID: uuid.NewString(), LevelNumber: 1, TargetKind: "entire_team", TargetID: "payments", TimeoutMinutes: 10}},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateEscalationPolicy(ctx, second))

	def, err := s.GetDefaultEscalationPolicy(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, second.ID, def.ID)

	stale, err := s.GetEscalationPolicy(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, stale.IsDefault)
	require.Len(t, stale.Levels, 1)
	assert.Equal(t, "user", stale.Levels[0].TargetKind)
}

func TestStore_EscalationJobActiveInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	incidentID := uuid.NewString()
	now := time.Now().UTC()

	job := &EscalationJob{ID: uuid.NewString(), IncidentID: incidentID, TargetLevel: 1, QueueJobID: uuid.NewString(), ScheduledFor: now}
	require.NoError(t, s.CreateEscalationJob(ctx, nil, job))

	second := &EscalationJob{ID: uuid.NewString(), IncidentID: incidentID, TargetLevel: 2, QueueJobID: uuid.NewString(), ScheduledFor: now}
	err := s.CreateEscalationJob(ctx, nil, second)
	var conflict *autoerrors.ConflictError
	require.ErrorAs(t, err, &conflict)

	require.NoError(t, s.CompleteEscalationJob(ctx, nil, job.ID, now))
	require.NoError(t, s.CreateEscalationJob(ctx, nil, second))

	active, err := s.GetActiveEscalationJob(ctx, incidentID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestStore_WorkflowVersionsAreImmutableAndLatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.NewString()

	v1 := &WorkflowVersion{ID: id, Version: 1, Name: "page-on-sev1", Scope: "team", Team: "payments",
		Enabled: true, Definition: `{"nodes":[]}`, CreatedBy: "alice", CreatedAt: now}
	require.NoError(t, s.CreateWorkflowVersion(ctx, v1))

	v2 := *v1
	v2.Version = 2
	v2.Definition = `{"nodes":[{"id":"n1"}]}`
	require.NoError(t, s.CreateWorkflowVersion(ctx, &v2))

	// Re-creating version 1 is a conflict; versions are immutable.
	err := s.CreateWorkflowVersion(ctx, v1)
	var conflict *autoerrors.ConflictError
	require.ErrorAs(t, err, &conflict)

	latest, err := s.GetLatestWorkflowVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, `{"nodes":[{"id":"n1"}]}`, latest.Definition)

	v1Again, err := s.GetWorkflowVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, `{"nodes":[]}`, v1Again.Definition)
}

func TestStore_ListEnabledWorkflowsByTeam(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	teamWF := &WorkflowVersion{ID: uuid.NewString(), Version: 1, Name: "team-only", Scope: "team",
		Team: "payments", Enabled: true, Definition: "{}", CreatedBy: "a", CreatedAt: now}
	globalWF := &WorkflowVersion{ID: uuid.NewString(), Version: 1, Name: "global", Scope: "global",
		Enabled: true, Definition: "{}", CreatedBy: "a", CreatedAt: now}
	otherTeamWF := &WorkflowVersion{ID: uuid.NewString(), Version: 1, Name: "other-team", Scope: "team",
		Team: "identity", Enabled: true, Definition: "{}", CreatedBy: "a", CreatedAt: now}
	disabledWF := &WorkflowVersion{ID: uuid.NewString(), Version: 1, Name: "disabled", Scope: "team",
		Team: "payments", Enabled: false, Definition: "{}", CreatedBy: "a", CreatedAt: now}

	for _, wf := range []*WorkflowVersion{teamWF, globalWF, otherTeamWF, disabledWF} {
		require.NoError(t, s.CreateWorkflowVersion(ctx, wf))
	}

	visible, err := s.ListEnabledWorkflowsByTeam(ctx, "payments")
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, wf := range visible {
		names[wf.Name] = true
	}
	assert.True(t, names["team-only"])
	assert.True(t, names["global"])
	assert.False(t, names["other-team"])
	assert.False(t, names["disabled"])
}

func TestStore_WorkflowExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	exec := &WorkflowExecution{
		ID: uuid.NewString(), WorkflowID: uuid.NewString(), WorkflowVersion: 1,
		DefinitionSnapshot: `{"nodes":[]}`, TriggerKind: "incident_created", Status: "pending",
		CompletedNodes: "[]", ActionResults: "{}", ExecutionChain: "[]", StartedAt: now,
	}
	require.NoError(t, s.CreateWorkflowExecution(ctx, exec))

	exec.Status = "running"
	exec.Cursor = "n1"
	require.NoError(t, s.UpdateWorkflowExecution(ctx, exec))

	got, err := s.GetWorkflowExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, "n1", got.Cursor)

	running, err := s.ListRunningWorkflowExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, exec.ID, running[0].ID)

	completedAt := now.Add(time.Minute)
	exec.Status = "COMPLETED"
	exec.CompletedAt = &completedAt
	require.NoError(t, s.UpdateWorkflowExecution(ctx, exec))

	running, err = s.ListRunningWorkflowExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestStore_RunbookApprovalGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.NewString()

	rb := &RunbookVersion{
		ID: id, Version: 1, Name: "restart-worker", ApprovalStatus: "DRAFT",
		HTTPSpec: `{"url":"https://ops.example.com/restart","method":"POST"}`,
		ParameterSchema: `{"properties":{"service":{"type":"string"}},"required":["service"]}`,
		TimeoutSeconds: 30, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateRunbookVersion(ctx, rb))

	require.NoError(t, s.UpdateRunbookApprovalStatus(ctx, id, 1, "APPROVED", now.Add(time.Minute)))

	got, err := s.GetLatestRunbookVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", got.ApprovalStatus)

	err = s.UpdateRunbookApprovalStatus(ctx, "missing", 1, "APPROVED", now)
	var nf *autoerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestStore_RunbookExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	exec := &RunbookExecution{
		ID: uuid.NewString(), RunbookID: uuid.NewString(), RunbookVersion: 1,
		DefinitionSnapshot: `{"url":"https://ops.example.com/restart"}`,
		Params: `{"service":"checkout"}`, Status: "PENDING", TriggeredBy: "manual", StartedAt: now,
	}
	require.NoError(t, s.CreateRunbookExecution(ctx, exec))

	exec.Status = "FAILED"
	exec.Error = "upstream returned 503"
	completedAt := now.Add(5 * time.Second)
	exec.CompletedAt = &completedAt
	require.NoError(t, s.UpdateRunbookExecution(ctx, exec))

	got, err := s.GetRunbookExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", got.Status)
	assert.Equal(t, "upstream returned 503", got.Error)
}

func TestStore_ServiceDependencyGraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	api := &Service{ID: uuid.NewString(), Name: "checkout-api", RoutingKey: "checkout-api", Team: "payments", Status: "ACTIVE", CreatedAt: now, UpdatedAt: now}
	db := &Service{ID: uuid.NewString(), Name: "checkout-db", RoutingKey: "checkout-db", Team: "payments", Status: "ACTIVE", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateService(ctx, api))
	require.NoError(t, s.CreateService(ctx, db))

	require.NoError(t, s.AddServiceDependency(ctx, db.ID, api.ID, "alice", now))

	upstream, err := s.ListUpstream(ctx, api.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{db.ID}, upstream)

	downstream, err := s.ListDownstream(ctx, db.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{api.ID}, downstream)

	// Duplicate routing key is rejected.
	dup := &Service{ID: uuid.NewString(), Name: "checkout-api-2", RoutingKey: "checkout-api", Team: "payments", Status: "ACTIVE", CreatedAt: now, UpdatedAt: now}
	err = s.CreateService(ctx, dup)
	var conflict *autoerrors.ConflictError
	assert.ErrorAs(t, err, &conflict)

	require.NoError(t, s.RemoveServiceDependency(ctx, db.ID, api.ID))
	upstream, err = s.ListUpstream(ctx, api.ID)
	require.NoError(t, err)
	assert.Empty(t, upstream)
}

func TestStore_AuditAppendListAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	recent := time.Now().UTC()

	require.NoError(t, s.AppendAuditEvent(ctx, nil, &AuditEvent{
		ID: uuid.NewString(), Action: "runbook.approved", UserID: "alice", ResourceType: "runbook",
		ResourceID: "rb-1", Severity: "HIGH", Metadata: map[string]any{}, CreatedAt: old,
	}))
	require.NoError(t, s.AppendAuditEvent(ctx, nil, &AuditEvent{
		ID: uuid.NewString(), Action: "runbook.executed", UserID: "bob", ResourceType: "runbook",
		ResourceID: "rb-1", Severity: "INFO", Metadata: map[string]any{}, CreatedAt: recent,
	}))

	events, err := s.ListAuditEventsForResource(ctx, "runbook", "rb-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	purged, err := s.PurgeAuditEventsOlderThan(ctx, time.Now().UTC().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	events, err = s.ListAuditEventsForResource(ctx, "runbook", "rb-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "runbook.executed", events[0].Action)
}

func TestStore_QueueEnqueueDedupAndClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := s.EnqueueJob(ctx, &QueueJob{
		ID: uuid.NewString(), Topic: "escalation", Payload: `{"incidentId":"inc-1"}`,
		DedupKey: "inc-1", ScheduledFor: now, CreatedAt: now,
	})
	require.NoError(t, err)

	dup, err := s.EnqueueJob(ctx, &QueueJob{
		ID: uuid.NewString(), Topic: "escalation", Payload: `{"incidentId":"inc-1"}`,
		DedupKey: "inc-1", ScheduledFor: now, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, id, dup, "second enqueue with the same non-terminal dedup key returns the existing job")

	claimed, err := s.ClaimDueJobs(ctx, "escalation", now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, QueueJobInFlight, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	// Once in flight, a fresh enqueue with the same key is still deduped.
	dup2, err := s.EnqueueJob(ctx, &QueueJob{
		ID: uuid.NewString(), Topic: "escalation", Payload: `{}`, DedupKey: "inc-1", ScheduledFor: now, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, id, dup2)

	require.NoError(t, s.CompleteJob(ctx, id, now.Add(time.Second)))

	// Terminal state frees the dedup key for a new job.
	fresh, err := s.EnqueueJob(ctx, &QueueJob{
		ID: uuid.NewString(), Topic: "escalation", Payload: `{}`, DedupKey: "inc-1", ScheduledFor: now, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh)
}

func TestStore_QueueReconciliation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := s.EnqueueJob(ctx, &QueueJob{ID: uuid.NewString(), Topic: "workflow", Payload: `{}`, ScheduledFor: now, CreatedAt: now})
	require.NoError(t, err)
	_, err = s.ClaimDueJobs(ctx, "workflow", now.Add(time.Second), 10)
	require.NoError(t, err)

	inFlight, err := s.ListInFlightJobs(ctx, "workflow")
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, id, inFlight[0].ID)

	require.NoError(t, s.RequeueJob(ctx, id, now.Add(time.Minute)))
	inFlight, err = s.ListInFlightJobs(ctx, "workflow")
	require.NoError(t, err)
	assert.Empty(t, inFlight)

	job, err := s.GetQueueJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, QueueJobPending, job.Status)
}

func TestStore_QueueCancelIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := s.EnqueueJob(ctx, &QueueJob{ID: uuid.NewString(), Topic: "runbook", Payload: `{}`, ScheduledFor: now, CreatedAt: now})
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(ctx, id))
	require.NoError(t, s.CancelJob(ctx, id)) // second cancel is a no-op, not an error

	job, err := s.GetQueueJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, QueueJobCancelled, job.Status)
}

func TestStore_LeaderLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	acquired, err := s.AcquireLease(ctx, "age-poller", "instance-a", now.Add(15*time.Second))
	require.NoError(t, err)
	assert.True(t, acquired)

	// A different instance cannot acquire while the lease is live.
	acquired, err = s.AcquireLease(ctx, "age-poller", "instance-b", now.Add(15*time.Second))
	require.NoError(t, err)
	assert.False(t, acquired)

	// The holder can renew.
	acquired, err = s.AcquireLease(ctx, "age-poller", "instance-a", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, s.ReleaseLease(ctx, "age-poller", "instance-a"))

	acquired, err = s.AcquireLease(ctx, "age-poller", "instance-b", now.Add(15*time.Second))
	require.NoError(t, err)
	assert.True(t, acquired)
}
