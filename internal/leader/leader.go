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

// Package leader provides leader election, gating the age-trigger
// poller, daily audit retention sweep, and escalation failure sweep to
// a single instance in a multi-process deployment. Leadership is
// contested over a SQLite lease row rather than a Postgres advisory
// lock, since the store is SQLite and advisory locks have no SQLite
// equivalent.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/automation-core/internal/store"
)

// Elector manages leader election for one topic's lease row (e.g.
// "age-poller", "audit-sweep").
type Elector struct {
	store      *store.Store
	topic      string
	instanceID string
	leaseTTL   time.Duration
	isLeader   bool
	mu         sync.RWMutex
	stopCh     chan struct{}
	doneCh     chan struct{}
	callbacks  []func(isLeader bool)
	logger     *slog.Logger
}

// Config contains leader election configuration.
type Config struct {
	Store *store.Store

	// Topic identifies the lease row contested, e.g. "age-poller".
	Topic string

	// InstanceID uniquely identifies this process as a lease holder.
	InstanceID string

	// LeaseTTL is how long an acquired lease is valid before another
	// instance may claim it.
	LeaseTTL time.Duration

	// RetryInterval defaults to 5s but is not consulted: the election
	// loop attempts acquiring/renewing leadership every LeaseTTL/3.
	RetryInterval time.Duration

	Logger *slog.Logger
}

// NewElector creates a leader elector for one lease topic.
func NewElector(cfg Config) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Elector{
		store:      cfg.Store,
		topic:      cfg.Topic,
		instanceID: cfg.InstanceID,
		leaseTTL:   cfg.LeaseTTL,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger.With(slog.String("component", "leader"), slog.String("topic", cfg.Topic), slog.String("instance_id", cfg.InstanceID)),
	}
}

// Start begins the leader election loop, renewing every LeaseTTL/3.
func (e *Elector) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop stops the election loop and releases the lease if held.
func (e *Elector) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// IsLeader returns whether this instance currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// OnLeadershipChange registers a callback invoked whenever leadership
// status flips.
func (e *Elector) OnLeadershipChange(callback func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.retryInterval())
	defer ticker.Stop()

	e.tryAcquire(ctx)

	for {
		select {
		case <-ctx.Done():
			e.release(context.Background())
			return
		case <-e.stopCh:
			e.release(context.Background())
			return
		case <-ticker.C:
			e.tryAcquire(ctx)
		}
	}
}

func (e *Elector) retryInterval() time.Duration {
	return e.leaseTTL / 3
}

func (e *Elector) tryAcquire(ctx context.Context) {
	acquired, err := e.store.AcquireLease(ctx, e.topic, e.instanceID, time.Now().UTC().Add(e.leaseTTL))
	if err != nil {
		e.logger.Error("failed to acquire or renew lease", slog.Any("error", err))
		e.setLeader(false)
		return
	}

	if acquired {
		e.setLeader(true)
	} else {
		e.setLeader(false)
	}
}

func (e *Elector) release(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if err := e.store.ReleaseLease(ctx, e.topic, e.instanceID); err != nil {
		e.logger.Error("failed to release lease", slog.Any("error", err))
	}
	e.setLeader(false)
}

func (e *Elector) setLeader(isLeader bool) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = isLeader
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if wasLeader != isLeader {
		if isLeader {
			e.logger.Info("acquired leadership")
		} else {
			e.logger.Info("lost or released leadership")
		}
		for _, cb := range callbacks {
			cb(isLeader)
		}
	}
}

// Status describes current leadership state for a health/diagnostic endpoint.
type Status struct {
	Topic      string `json:"topic"`
	InstanceID string `json:"instance_id"`
	IsLeader   bool   `json:"is_leader"`
}

// Status returns the current leadership status.
func (e *Elector) Status() Status {
	return Status{Topic: e.topic, InstanceID: e.instanceID, IsLeader: e.IsLeader()}
}
