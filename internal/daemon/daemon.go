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

// Package daemon wires the store, queue, and all three engines
// (escalation, workflow, runbook) into one long-running process: it
// registers each engine's queue worker, cross-wires incident and
// escalation events into the workflow engine's trigger matching,
// starts the leader-gated age-trigger poller and audit sweep, and
// serves a health endpoint.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation-core/internal/audit"
	"github.com/tombee/automation-core/internal/config"
	"github.com/tombee/automation-core/internal/escalation"
	"github.com/tombee/automation-core/internal/httpclient"
	"github.com/tombee/automation-core/internal/incident"
	"github.com/tombee/automation-core/internal/leader"
	"github.com/tombee/automation-core/internal/queue"
	"github.com/tombee/automation-core/internal/runbook"
	"github.com/tombee/automation-core/internal/scheduler"
	"github.com/tombee/automation-core/internal/security"
	"github.com/tombee/automation-core/internal/store"
	"github.com/tombee/automation-core/internal/workflow"
)

// Options carries build-time version metadata into the health
// endpoint and startup log line.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the long-running automationd process: one store, one
// queue, three registered workers, a leader-gated scheduler, and a
// health server.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store *store.Store
	queue *queue.Queue

	incidents  *incident.Engine
	escalation *escalation.Engine
	workflows  *workflow.Engine
	runbooks   *runbook.Engine

	elector   *leader.Elector
	scheduler *scheduler.Scheduler
	server    *http.Server

	mu      sync.Mutex
	started bool
}

// New builds a Daemon from cfg. resolver supplies escalation target
// lookups (user/schedule/team) — the on-call roster/identity system
// is external to this module (see escalation.Resolver's own doc
// comment), so the caller provides the implementation.
func New(cfg *config.Config, resolver escalation.Resolver, integrations workflow.Integrations, logger *slog.Logger, opts Options) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "daemon"))

	s, err := store.New(store.Config{
		Path:        cfg.Store.DSN,
		BusyTimeout: cfg.Store.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	q := queue.New(s, logger)
	auditSink := audit.NewSink(s, cfg.Audit.RetentionDays, logger)
	sec := security.DefaultHTTPSecurityConfig()
	sec.AllowedSchemes = []string{"https", "http"}
	if cfg.Security.AllowPrivateNetworks {
		sec.DenyPrivateIPs = false
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.Webhook.DefaultTimeout
	httpCfg.RetryAttempts = cfg.Webhook.MaxRetries
	httpCfg.UserAgent = "automation-core/" + opts.Version

	// Runbook executions make one request and record one result.
	runbookHTTPCfg := httpCfg
	runbookHTTPCfg.RetryAttempts = 0
	client, err := httpclient.NewRequester(runbookHTTPCfg, sec)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to build http client: %w", err)
	}

	incidents := incident.New(s, auditSink)
	escalationEngine := escalation.New(s, q, auditSink, resolver, logger)
	runbookEngine := runbook.New(s, q, client, auditSink, logger)
	workflowEngine := workflow.New(s, q, auditSink, sec, httpCfg, integrations, logger)

	incidents.OnLifecycleEvent(workflowEngine.OnIncidentCreated)
	incidents.OnLifecycleEvent(func(ctx context.Context, ev incident.LifecycleEvent) {
		if ev.From == "" {
			inc, err := s.GetIncident(ctx, ev.IncidentID)
			if err != nil {
				logger.WarnContext(ctx, "failed to load incident to start escalation", "incident_id", ev.IncidentID, "error", err)
				return
			}
			if inc.EscalationPolicyID == "" {
				return
			}
			policy, err := s.GetEscalationPolicy(ctx, inc.EscalationPolicyID)
			if err != nil {
				logger.WarnContext(ctx, "failed to load escalation policy", "policy_id", inc.EscalationPolicyID, "error", err)
				return
			}
			if err := escalationEngine.Start(ctx, ev.IncidentID, policy); err != nil {
				logger.WarnContext(ctx, "failed to start escalation", "incident_id", ev.IncidentID, "error", err)
			}
		}
	})
	escalationEngine.OnLevelTriggered(workflowEngine.OnEscalationTriggered)

	instanceID := cfg.Leader.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	elector := leader.NewElector(leader.Config{
		Store: s, Topic: cfg.Leader.ElectionKey, InstanceID: instanceID,
		LeaseTTL: cfg.Leader.LeaseDuration, Logger: logger,
	})

	sched := scheduler.New(logger,
		scheduler.Job{
			Name: "age-trigger-poll", Interval: workflow.AgePollInterval, Elector: elector,
			Run: func(ctx context.Context) error {
				fired, err := workflowEngine.PollAgeTriggers(ctx)
				if err != nil {
					return err
				}
				if fired > 0 {
					logger.InfoContext(ctx, "age-triggered workflows fired", "count", fired)
				}
				return nil
			},
		},
		scheduler.Job{
			Name: "audit-retention-sweep", Interval: 24 * time.Hour, Elector: elector,
			Run: func(ctx context.Context) error { return auditSink.PurgeExpired(ctx) },
		},
		scheduler.Job{
			Name: "escalation-failure-sweep", Interval: 5 * time.Minute, Elector: elector,
			Run: func(ctx context.Context) error {
				_, err := escalationEngine.SweepFailedLevels(ctx, time.Now().UTC().Add(-15*time.Minute))
				return err
			},
		},
	)

	return &Daemon{
		cfg: cfg, opts: opts, logger: logger,
		store: s, queue: q,
		incidents: incidents, escalation: escalationEngine, workflows: workflowEngine, runbooks: runbookEngine,
		elector: elector, scheduler: sched,
	}, nil
}

// Store exposes the underlying store for callers that need it.
func (d *Daemon) Store() *store.Store { return d.store }

// Start registers each engine's worker on the queue, reconciles
// in-flight jobs orphaned by a prior crash, starts leader election and
// the scheduler, and serves the health endpoint on addr until ctx is
// cancelled.
func (d *Daemon) Start(ctx context.Context, addr string) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	for topic, concurrency := range d.cfg.Queue.Topics {
		cfg := queue.TopicConfig{
			Concurrency: concurrency, MaxPerMinute: d.cfg.Queue.MaxPerMinute,
			MaxRetries: d.cfg.Queue.MaxRetries, RetryBaseDelay: d.cfg.Queue.RetryBaseDelay,
		}
		switch topic {
		case escalation.Topic:
			d.escalation.RegisterWorker(ctx, cfg)
		case workflow.Topic:
			d.workflows.RegisterWorker(ctx, cfg)
		case runbook.Topic:
			d.runbooks.RegisterWorker(ctx, cfg)
		}
	}

	for topic := range d.cfg.Queue.Topics {
		if n, err := d.queue.Reconcile(ctx, topic); err != nil {
			d.logger.WarnContext(ctx, "failed to reconcile queue", "topic", topic, "error", err)
		} else if n > 0 {
			d.logger.InfoContext(ctx, "reconciled in-flight jobs", "topic", topic, "count", n)
		}
	}
	if n, err := d.escalation.ReconcileStale(ctx, time.Minute); err != nil {
		d.logger.WarnContext(ctx, "failed to reconcile stale escalation jobs", "error", err)
	} else if n > 0 {
		d.logger.InfoContext(ctx, "rescheduled stale escalation jobs", "count", n)
	}

	d.elector.Start(ctx)
	d.scheduler.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	d.server = &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}

	d.logger.InfoContext(ctx, "automationd starting", "version", d.opts.Version, "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the health server and leader election, and closes the
// store. The scheduler's job loops stop when the ctx passed to Start is
// cancelled.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.WarnContext(ctx, "health server shutdown error", "error", err)
		}
	}
	d.elector.Stop()
	return d.store.Close()
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	IsLeader bool   `json:"is_leader"`
	DBOK     bool   `json:"db_ok"`
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Version: d.opts.Version, Status: "ok"}
	resp.IsLeader = d.elector.IsLeader()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var one int
	err := d.store.DB().QueryRowContext(ctx, "SELECT 1").Scan(&one)
	resp.DBOK = err == nil && one == 1

	status := http.StatusOK
	if !resp.DBOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
