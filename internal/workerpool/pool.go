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

// Package workerpool provides a semaphore-bounded concurrent task
// runner, shared by every queue topic's worker pool (escalation,
// workflow, runbook).
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work submitted to a Pool.
type Task func(ctx context.Context)

// Pool runs submitted tasks with bounded concurrency.
type Pool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	active   atomic.Int64
	draining atomic.Bool
}

// New creates a Pool that runs at most maxParallel tasks concurrently.
func New(maxParallel int) *Pool {
	if maxParallel <= 0 {
		maxParallel = 5
	}
	return &Pool{sem: make(chan struct{}, maxParallel)}
}

// Submit blocks until a slot is free (or ctx is cancelled), then runs
// task in its own goroutine. Submissions are rejected once the pool
// is draining.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.draining.Load() {
		return fmt.Errorf("worker pool is draining")
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.active.Add(-1)
			p.wg.Done()
		}()
		task(ctx)
	}()
	return nil
}

// StartDraining stops new submissions from being accepted.
func (p *Pool) StartDraining() {
	p.draining.Store(true)
}

// ActiveCount returns the number of tasks currently running.
func (p *Pool) ActiveCount() int64 {
	return p.active.Load()
}

// WaitForDrain waits for all in-flight tasks to finish or the timeout
// to elapse, whichever comes first.
func (p *Pool) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		if remaining := p.ActiveCount(); remaining > 0 {
			return fmt.Errorf("drain timeout: %d task(s) still running", remaining)
		}
		return nil
	}
}
