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

package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/automation-core/internal/audit"
	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, audit.NewSink(s, 0, nil)), s
}

func TestEngine_CreateStartsOpenAndWritesTimeline(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	inc, err := e.Create(ctx, CreateInput{Title: "db latency spike", Priority: "HIGH", Team: "payments"})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, inc.Status)

	timeline, err := s.ListTimeline(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, "incident.created", timeline[0].Kind)
}

func TestEngine_LegalTransitionsSucceed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	inc, err := e.Create(ctx, CreateInput{Title: "x", Priority: "LOW", Team: "core"})
	require.NoError(t, err)

	inc, err = e.Transition(ctx, TransitionInput{IncidentID: inc.ID, To: StatusAcknowledged, ActorID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, inc.Status)

	inc, err = e.Transition(ctx, TransitionInput{IncidentID: inc.ID, To: StatusResolved, ActorID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, inc.Status)
	assert.NotNil(t, inc.ResolvedAt)

	inc, err = e.Transition(ctx, TransitionInput{IncidentID: inc.ID, To: StatusClosed, ActorID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, inc.Status)

	inc, err = e.Transition(ctx, TransitionInput{IncidentID: inc.ID, To: StatusArchived, ActorID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, inc.Status)
}

func TestEngine_IllegalTransitionRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	inc, err := e.Create(ctx, CreateInput{Title: "x", Priority: "LOW", Team: "core"})
	require.NoError(t, err)

	_, err = e.Transition(ctx, TransitionInput{IncidentID: inc.ID, To: StatusArchived, ActorID: "user-1"})
	var invalid *autoerrors.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusOpen, invalid.From)
}

func TestEngine_AcknowledgeCancelsActiveEscalationJob(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	inc, err := e.Create(ctx, CreateInput{Title: "x", Priority: "LOW", Team: "core"})
	require.NoError(t, err)

	require.NoError(t, s.CreateEscalationJob(ctx, nil, &store.EscalationJob{
		ID: "job-1", IncidentID: inc.ID, TargetLevel: 1, RepeatIndex: 0,
		ScheduledFor: time.Now().UTC(),
	}))

	_, err = e.Transition(ctx, TransitionInput{IncidentID: inc.ID, To: StatusAcknowledged, ActorID: "user-1"})
	require.NoError(t, err)

	_, err = s.GetActiveEscalationJob(ctx, inc.ID)
	var notFound *autoerrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestEngine_ReopenFromResolvedEmitsReopenedEvent(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	inc, err := e.Create(ctx, CreateInput{Title: "x", Priority: "LOW", Team: "core"})
	require.NoError(t, err)
	inc, err = e.Transition(ctx, TransitionInput{IncidentID: inc.ID, To: StatusResolved, ActorID: "user-1"})
	require.NoError(t, err)

	inc, err = e.Transition(ctx, TransitionInput{IncidentID: inc.ID, To: StatusOpen, ActorID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, inc.Status)

	timeline, err := s.ListTimeline(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "incident.reopened", timeline[len(timeline)-1].Kind)
}

func TestEngine_LifecycleListenerNotifiedOnTransition(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var events []LifecycleEvent
	e.OnLifecycleEvent(func(ctx context.Context, ev LifecycleEvent) { events = append(events, ev) })

	inc, err := e.Create(ctx, CreateInput{Title: "x", Priority: "LOW", Team: "core"})
	require.NoError(t, err)
	_, err = e.Transition(ctx, TransitionInput{IncidentID: inc.ID, To: StatusAcknowledged, ActorID: "user-1"})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "", events[0].From)
	assert.Equal(t, StatusOpen, events[1].From)
	assert.Equal(t, StatusAcknowledged, events[1].To)
}
