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

package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	s, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestQueue_DispatchesEnqueuedJobToHandler(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received atomic.Int64
	done := make(chan struct{}, 1)
	q.RegisterTopic(ctx, "escalation", TopicConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond}, func(ctx context.Context, payload []byte) error {
		var body map[string]string
		require.NoError(t, json.Unmarshal(payload, &body))
		received.Add(1)
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})

	_, err := q.Enqueue(ctx, "escalation", map[string]string{"incidentId": "inc-1"}, EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	assert.Equal(t, int64(1), received.Load())
}

func TestQueue_EnqueueDedupReturnsSameJobID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "workflow", map[string]string{}, EnqueueOptions{JobID: "wf-exec-1", Delay: time.Hour})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "workflow", map[string]string{}, EnqueueOptions{JobID: "wf-exec-1", Delay: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestQueue_RetriesRetryableFailureThenEventuallySucceeds(t *testing.T) {
	q, s := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int64
	success := make(chan struct{}, 1)
	q.RegisterTopic(ctx, "runbook", TopicConfig{
		Concurrency: 1, PollInterval: 5 * time.Millisecond, MaxRetries: 5, RetryBaseDelay: time.Millisecond,
	}, func(ctx context.Context, payload []byte) error {
		n := attempts.Add(1)
		if n < 3 {
			return &autoerrors.TransientError{Operation: "call-upstream", Cause: assert.AnError}
		}
		select {
		case success <- struct{}{}:
		default:
		}
		return nil
	})

	id, err := q.Enqueue(ctx, "runbook", map[string]string{}, EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-success:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded after retries")
	}

	job, err := s.GetQueueJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.QueueJobCompleted, job.Status)
	assert.GreaterOrEqual(t, attempts.Load(), int64(3))
}

func TestQueue_CancelIsIdempotent(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "escalation", map[string]string{}, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, id))
	require.NoError(t, q.Cancel(ctx, id))

	job, err := s.GetQueueJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.QueueJobCancelled, job.Status)
}

func TestQueue_ReconcileRequeuesInFlightJobs(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, &store.QueueJob{ID: "stuck-job", Topic: "workflow", Payload: "{}", ScheduledFor: time.Now().UTC(), CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = s.ClaimDueJobs(ctx, "workflow", time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)

	count, err := q.Reconcile(ctx, "workflow")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	job, err := s.GetQueueJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.QueueJobPending, job.Status)
}
