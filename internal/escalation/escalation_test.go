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

package escalation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/automation-core/internal/audit"
	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/queue"
	"github.com/tombee/automation-core/internal/store"
)

// stubResolver resolves every target deterministically for tests,
// standing in for the external identity/roster system.
type stubResolver struct{}

func (stubResolver) ResolveUser(ctx context.Context, userID string) (Target, error) {
	return Target{Kind: TargetUser, ID: userID}, nil
}
func (stubResolver) ResolveScheduleOnCall(ctx context.Context, scheduleID string) (Target, error) {
	return Target{Kind: TargetSchedule, ID: "oncall-for-" + scheduleID}, nil
}
func (stubResolver) ResolveTeamResponders(ctx context.Context, team string) ([]Target, error) {
	return []Target{{Kind: TargetEntireTeam, ID: team + "-responder-1"}, {Kind: TargetEntireTeam, ID: team + "-responder-2"}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *queue.Queue) {
	t.Helper()
	s, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q := queue.New(s, discardLogger())
	e := New(s, q, audit.NewSink(s, 0, nil), stubResolver{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.RegisterWorker(ctx, queue.TopicConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond})
	return e, s, q
}

// singleUserPolicy seeds a policy directly at the store layer (not
// through CreatePolicy) so tests can use sub-minute TimeoutMinutes
// values to exercise level advancement without waiting out real
// minutes; ValidatePolicy's minimum-timeout invariant is covered
// separately by the TestValidatePolicy_* tests below.
func singleUserPolicy(t *testing.T, s *store.Store, timeoutMinutes, repeatCount int) *store.EscalationPolicy {
	t.Helper()
	policy := &store.EscalationPolicy{
		ID: uuid.NewString(), Team: "core", Name: "primary", RepeatCount: repeatCount,
		Levels: []store.EscalationLevel{
			{ID: uuid.NewString(), LevelNumber: 1, TargetKind: TargetUser, TargetID: "user-1", TimeoutMinutes: timeoutMinutes},
			{ID: uuid.NewString(), LevelNumber: 2, TargetKind: TargetEntireTeam, TargetID: "core", TimeoutMinutes: 0},
		},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateEscalationPolicy(context.Background(), policy))
	return policy
}

func newIncident(t *testing.T, s *store.Store, policyID string) *store.Incident {
	t.Helper()
	inc := &store.Incident{
		ID: uuid.NewString(), Title: "x", Priority: "HIGH", Status: "OPEN", Team: "core",
		EscalationPolicyID: policyID, Version: 0, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateIncident(context.Background(), nil, inc))
	return inc
}

func TestEngine_StartCreatesActiveJobAndTimelineEvent(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	policy := singleUserPolicy(t, s, 1, 0)
	inc := newIncident(t, s, policy.ID)

	require.NoError(t, e.Start(ctx, inc.ID, policy))

	job, err := s.GetActiveEscalationJob(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.TargetLevel)
	assert.Equal(t, 0, job.RepeatIndex)

	timeline, err := s.ListTimeline(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, "escalation.started", timeline[0].Kind)
}

func TestEngine_StartTwiceIsIdempotent(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	policy := singleUserPolicy(t, s, 1, 0)
	inc := newIncident(t, s, policy.ID)

	require.NoError(t, e.Start(ctx, inc.ID, policy))
	require.NoError(t, e.Start(ctx, inc.ID, policy))

	timeline, err := s.ListTimeline(ctx, inc.ID)
	require.NoError(t, err)
	assert.Len(t, timeline, 1)
}

func TestEngine_AdvanceNotifiesLevelAndSchedulesNext(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	policy := singleUserPolicy(t, s, 0, 0) // 0-minute timeout: next level due immediately
	inc := newIncident(t, s, policy.ID)

	var events []LevelEvent
	e.OnLevelTriggered(func(ctx context.Context, ev LevelEvent) { events = append(events, ev) })

	require.NoError(t, e.Start(ctx, inc.ID, policy))

	require.Eventually(t, func() bool {
		job, err := s.GetActiveEscalationJob(ctx, inc.ID)
		return err == nil && job.TargetLevel == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(events) >= 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, events[0].Level)
	require.Len(t, events[0].Targets, 1)
	assert.Equal(t, TargetUser, events[0].Targets[0].Kind)
}

func TestEngine_PastLadderRepeatsWhenRepeatCountAllows(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	// Single level with a 0-minute timeout: once it fires, toLevel (2)
	// exceeds len(levels) immediately, so the repeat decision runs
	// without waiting out a real level timeout.
	policy := &store.EscalationPolicy{
		ID: uuid.NewString(), Team: "core", Name: "single-level", RepeatCount: 1,
		Levels: []store.EscalationLevel{
			{ID: uuid.NewString(), LevelNumber: 1, TargetKind: TargetUser, TargetID: "user-1", TimeoutMinutes: 0},
		},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateEscalationPolicy(ctx, policy))
	inc := newIncident(t, s, policy.ID)

	require.NoError(t, e.Start(ctx, inc.ID, policy))

	require.Eventually(t, func() bool {
		job, err := s.GetActiveEscalationJob(ctx, inc.ID)
		return err == nil && job.RepeatIndex == 1 && job.TargetLevel == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_CancelStopsFurtherAdvancement(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	policy := singleUserPolicy(t, s, 1, 0)
	inc := newIncident(t, s, policy.ID)

	require.NoError(t, e.Start(ctx, inc.ID, policy))
	require.NoError(t, e.Cancel(ctx, inc.ID))

	_, err := s.GetActiveEscalationJob(ctx, inc.ID)
	var notFound *autoerrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestValidatePolicy_RejectsGapInLevelNumbers(t *testing.T) {
	policy := &store.EscalationPolicy{
		Levels: []store.EscalationLevel{
			{LevelNumber: 1, TargetKind: TargetUser, TargetID: "u1", TimeoutMinutes: 1},
			{LevelNumber: 3, TargetKind: TargetUser, TargetID: "u2", TimeoutMinutes: 1},
		},
	}
	err := ValidatePolicy(policy)
	require.Error(t, err)
	var invalid *autoerrors.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
}

func TestValidatePolicy_RejectsShortEntireTeamTimeout(t *testing.T) {
	policy := &store.EscalationPolicy{
		Levels: []store.EscalationLevel{
			{LevelNumber: 1, TargetKind: TargetEntireTeam, TargetID: "core", TimeoutMinutes: 2},
		},
	}
	err := ValidatePolicy(policy)
	require.Error(t, err)
}

func TestValidatePolicy_RejectsRepeatCountOutOfRange(t *testing.T) {
	policy := &store.EscalationPolicy{
		RepeatCount: 10,
		Levels:      []store.EscalationLevel{{LevelNumber: 1, TargetKind: TargetUser, TargetID: "u1", TimeoutMinutes: 1}},
	}
	err := ValidatePolicy(policy)
	require.Error(t, err)
}

func TestDeletePolicy_RefusedWhileIncidentActive(t *testing.T) {
	_, s, _ := newTestEngine(t)
	ctx := context.Background()
	policy := singleUserPolicy(t, s, 1, 0)
	newIncident(t, s, policy.ID)

	err := DeletePolicy(ctx, s, policy.ID)
	require.Error(t, err)
	var conflict *autoerrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestEngine_SweepFailedLevelsRecordsTimelineEntry(t *testing.T) {
	// Uses a fresh Engine over a queue with no registered worker, so
	// the manually-inserted job can't be raced and claimed by a live
	// dispatch loop before FailJob marks it terminally failed below.
	ctx := context.Background()
	s, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	q := queue.New(s, discardLogger())
	e := New(s, q, audit.NewSink(s, 0, nil), stubResolver{}, discardLogger())

	policy := singleUserPolicy(t, s, 1, 0)
	inc := newIncident(t, s, policy.ID)

	since := time.Now().UTC().Add(-time.Minute)

	payload, err := json.Marshal(jobPayload{
		IncidentID: inc.ID, PolicyID: policy.ID, Level: 1, RepeatIndex: 0, EscalationJobID: "stalled-job",
	})
	require.NoError(t, err)
	jobID := uuid.NewString()
	now := time.Now().UTC()
	_, err = s.EnqueueJob(ctx, &store.QueueJob{ID: jobID, Topic: Topic, Payload: string(payload), ScheduledFor: now, CreatedAt: now})
	require.NoError(t, err)
	require.NoError(t, s.FailJob(ctx, jobID, "destination unreachable", false, 3, 3, now))

	n, err := e.SweepFailedLevels(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	timeline, err := s.ListTimeline(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, "escalation.level.failed", timeline[0].Kind)
}
