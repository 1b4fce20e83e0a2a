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

// Package queue implements the durable, SQLite-backed, multi-topic job
// queue shared by the escalation, workflow, and runbook engines:
// delayed delivery, per-job dedup, retry with exponential backoff, and
// reconciliation of jobs orphaned by a crashed worker.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/store"
	"github.com/tombee/automation-core/internal/workerpool"
)

func newJobID() string { return uuid.NewString() }

// Handler processes one job's payload. A nil return marks the job
// complete; a returned error marks it failed, retried automatically
// when the error is retryable (per internal/errors.ErrorClassifier)
// and attempts remain under the topic's MaxRetries.
type Handler func(ctx context.Context, payload []byte) error

// TopicConfig configures one topic's dispatch behavior.
type TopicConfig struct {
	Concurrency    int
	MaxPerMinute   int
	MaxRetries     int
	RetryBaseDelay time.Duration
	PollInterval   time.Duration
}

// Queue dispatches due jobs on each registered topic to its handler,
// polling the store at PollInterval and respecting each topic's
// concurrency and rate limits.
type Queue struct {
	store  *store.Store
	log    *slog.Logger
	topics map[string]*topic
}

type topic struct {
	name     string
	cfg      TopicConfig
	handler  Handler
	pool     *workerpool.Pool
	limiter  *rate.Limiter
	stopPoll context.CancelFunc
}

// New creates a Queue backed by s.
func New(s *store.Store, log *slog.Logger) *Queue {
	return &Queue{store: s, log: log, topics: make(map[string]*topic)}
}

// RegisterTopic wires a handler to a topic and starts its dispatch
// loop. Call before Enqueue is used for that topic.
func (q *Queue) RegisterTopic(ctx context.Context, name string, cfg TopicConfig, handler Handler) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	t := &topic{
		name:    name,
		cfg:     cfg,
		handler: handler,
		pool:    workerpool.New(cfg.Concurrency),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.MaxPerMinute)/60.0), cfg.MaxPerMinute),
	}
	pollCtx, cancel := context.WithCancel(ctx)
	t.stopPoll = cancel
	q.topics[name] = t

	go q.dispatchLoop(pollCtx, t)
}

// EnqueueOptions configures an individual enqueue call.
type EnqueueOptions struct {
	// JobID, if set, is used as both the job's identity and its dedup
	// key: a second enqueue with the same JobID while the prior job is
	// non-terminal returns the prior job's id instead of creating a
	// duplicate.
	JobID string
	Delay time.Duration
}

// Enqueue durably records a job on topic for dispatch, returning its id.
func (q *Queue) Enqueue(ctx context.Context, topicName string, payload any, opts EnqueueOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrapf(err, "failed to marshal payload for topic %s", topicName)
	}

	id := opts.JobID
	if id == "" {
		id = newJobID()
	}
	now := time.Now().UTC()
	scheduledFor := now
	if opts.Delay > 0 {
		scheduledFor = now.Add(opts.Delay)
	}

	jobID, err := q.store.EnqueueJob(ctx, &store.QueueJob{
		ID:           id,
		Topic:        topicName,
		Payload:      string(body),
		DedupKey:     opts.JobID,
		ScheduledFor: scheduledFor,
		CreatedAt:    now,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to enqueue job on topic %s", topicName)
	}
	return jobID, nil
}

// Cancel marks a job cancelled. Idempotent: cancelling an
// already-terminal or already-cancelled job is not an error.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.store.CancelJob(ctx, jobID)
}

// Reconcile requeues jobs on topic stuck in_flight, as if orphaned by
// a worker that crashed mid-dispatch. automationd runs it for each
// configured topic at startup; automationctl's queue reconcile command
// runs it on demand.
func (q *Queue) Reconcile(ctx context.Context, topicName string) (int, error) {
	stuck, err := q.store.ListInFlightJobs(ctx, topicName)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list in-flight jobs for %s", topicName)
	}

	for _, job := range stuck {
		if err := q.store.RequeueJob(ctx, job.ID, time.Now().UTC()); err != nil {
			return 0, errors.Wrapf(err, "failed to requeue job %s", job.ID)
		}
	}
	return len(stuck), nil
}

// Close stops every topic's poll loop and waits for in-flight work to
// drain, up to timeout.
func (q *Queue) Close(ctx context.Context, timeout time.Duration) error {
	for _, t := range q.topics {
		t.stopPoll()
		t.pool.StartDraining()
	}
	for _, t := range q.topics {
		if err := t.pool.WaitForDrain(ctx, timeout); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) dispatchLoop(ctx context.Context, t *topic) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchDue(ctx, t)
		}
	}
}

func (q *Queue) dispatchDue(ctx context.Context, t *topic) {
	budget := int(t.pool.ActiveCount())
	limit := t.cfg.Concurrency - budget
	if tokens := int(t.limiter.Tokens()); tokens < limit {
		limit = tokens
	}
	if limit <= 0 {
		return
	}

	jobs, err := q.store.ClaimDueJobs(ctx, t.name, time.Now().UTC(), limit)
	if err != nil {
		q.log.ErrorContext(ctx, "failed to claim due jobs", "topic", t.name, "error", err)
		return
	}

	for _, job := range jobs {
		if !t.limiter.Allow() {
			// Over the topic's max-per-minute budget; return it to
			// pending for a later poll.
			if err := q.store.RequeueJob(ctx, job.ID, time.Now().UTC()); err != nil {
				q.log.WarnContext(ctx, "failed to requeue rate-limited job", "topic", t.name, "job_id", job.ID, "error", err)
			}
			continue
		}
		job := job
		if err := t.pool.Submit(ctx, func(ctx context.Context) {
			q.runJob(ctx, t, job)
		}); err != nil {
			q.log.WarnContext(ctx, "failed to submit job to worker pool", "topic", t.name, "job_id", job.ID, "error", err)
		}
	}
}

func (q *Queue) runJob(ctx context.Context, t *topic, job *store.QueueJob) {
	now := time.Now().UTC()
	if err := q.store.MarkJobExecuted(ctx, job.ID, now); err != nil {
		q.log.ErrorContext(ctx, "failed to mark job executed", "job_id", job.ID, "error", err)
	}

	err := t.handler(ctx, []byte(job.Payload))
	if err == nil {
		if completeErr := q.store.CompleteJob(ctx, job.ID, time.Now().UTC()); completeErr != nil {
			q.log.ErrorContext(ctx, "failed to complete job", "job_id", job.ID, "error", completeErr)
		}
		return
	}

	retryable := isRetryable(err)
	backoff := t.cfg.RetryBaseDelay * time.Duration(1<<uint(job.Attempts-1))
	nextAttempt := time.Now().UTC().Add(backoff)

	q.log.WarnContext(ctx, "job handler failed", "topic", t.name, "job_id", job.ID,
		"attempt", job.Attempts, "retryable", retryable, "error", err)

	if failErr := q.store.FailJob(ctx, job.ID, err.Error(), retryable, job.Attempts, t.cfg.MaxRetries, nextAttempt); failErr != nil {
		q.log.ErrorContext(ctx, "failed to record job failure", "job_id", job.ID, "error", failErr)
	}
}

func isRetryable(err error) bool {
	var classifier interface{ IsRetryable() bool }
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return false
}
