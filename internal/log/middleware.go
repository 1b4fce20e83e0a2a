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

package log

import (
	"log/slog"
	"time"
)

// JobEvent describes a queue job about to be processed, for logging purposes.
type JobEvent struct {
	// Topic is the queue topic (escalation, workflow, runbook, system).
	Topic string

	// JobID is the unique id of the job being processed.
	JobID string

	// IncidentID is the incident the job is acting on, if any.
	IncidentID string

	// Metadata contains additional job metadata worth logging.
	Metadata map[string]interface{}
}

// JobOutcome describes the result of processing a job.
type JobOutcome struct {
	// Success indicates whether the job's work completed without error.
	Success bool

	// Error is the error message if the job failed.
	Error string

	// DurationMs is how long the job took to process in milliseconds.
	DurationMs int64
}

// LogJobStart logs that a worker has picked up a job.
func LogJobStart(logger *slog.Logger, job *JobEvent) {
	attrs := []any{EventKey, "job_started", TopicKey, job.Topic, JobIDKey, job.JobID}
	if job.IncidentID != "" {
		attrs = append(attrs, IncidentIDKey, job.IncidentID)
	}
	for k, v := range job.Metadata {
		attrs = append(attrs, k, v)
	}
	logger.Info("job started", attrs...)
}

// LogJobOutcome logs the result of processing a job.
func LogJobOutcome(logger *slog.Logger, job *JobEvent, outcome *JobOutcome) {
	event := "job_completed"
	if !outcome.Success {
		event = "job_failed"
	}
	attrs := []any{
		EventKey, event,
		TopicKey, job.Topic,
		JobIDKey, job.JobID,
		"success", outcome.Success,
		DurationKey, outcome.DurationMs,
	}
	if job.IncidentID != "" {
		attrs = append(attrs, IncidentIDKey, job.IncidentID)
	}
	if outcome.Error != "" {
		attrs = append(attrs, "error", outcome.Error)
	}

	level := slog.LevelInfo
	msg := "job completed"
	if !outcome.Success {
		level = slog.LevelError
		msg = "job failed"
	}
	logger.Log(nil, level, msg, attrs...)
}

// JobMiddleware wraps worker handlers with start/outcome logging, following
// the same wrap-a-handler-function shape the queue's own worker loops use.
type JobMiddleware struct {
	logger *slog.Logger
}

// NewJobMiddleware creates a new job logging middleware.
func NewJobMiddleware(logger *slog.Logger) *JobMiddleware {
	return &JobMiddleware{logger: logger}
}

// Wrap runs handler, logging its start and outcome around the call.
func (m *JobMiddleware) Wrap(job *JobEvent, handler func() error) error {
	start := time.Now()
	LogJobStart(m.logger, job)

	err := handler()

	outcome := &JobOutcome{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	LogJobOutcome(m.logger, job, outcome)

	return err
}
