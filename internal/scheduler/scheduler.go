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

// Package scheduler runs periodic background jobs gated to a single
// leader instance: the age-trigger poller, the daily audit retention
// sweep, and the escalation failure sweep. Per-incident escalation level timers are not run
// here — they ride the job queue's delayed delivery instead, since
// each timer fires once at a job-specific time rather than on a fixed
// cadence.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/automation-core/internal/leader"
)

// Job is one periodic unit of work. Implementations should be
// idempotent: a run may be skipped on error, and two instances may
// briefly both believe themselves leader during a handover.
type Job struct {
	// Name identifies the job in logs and, via the elector's Topic, in
	// the lease table.
	Name string

	// Interval is how often Run is invoked while this instance holds
	// leadership for the job's topic.
	Interval time.Duration

	// Run performs one tick of work.
	Run func(ctx context.Context) error

	// Elector gates execution to a single instance. Nil means run
	// unconditionally on every instance (used only in tests).
	Elector *leader.Elector
}

// Scheduler runs a fixed set of leader-gated periodic jobs.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a Scheduler for the given jobs.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: jobs, logger: logger.With(slog.String("component", "scheduler"))}
}

// Start launches each job's ticker loop in the background. It returns
// immediately; cancel ctx to stop the loops, and call Wait to block
// until they have exited.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		j := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, j)
		}()
	}
}

// Wait blocks until every job loop has exited (i.e. ctx was cancelled).
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, j Job) {
	logger := s.logger.With(slog.String("job", j.Name))
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if j.Elector != nil && !j.Elector.IsLeader() {
				continue
			}
			start := time.Now()
			if err := j.Run(ctx); err != nil {
				logger.Error("job run failed", slog.Any("error", err))
				continue
			}
			logger.Debug("job run completed", slog.Duration("elapsed", time.Since(start)))
		}
	}
}
