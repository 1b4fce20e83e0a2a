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

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation-core/internal/audit"
	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/httpclient"
	"github.com/tombee/automation-core/internal/queue"
	"github.com/tombee/automation-core/internal/security"
	"github.com/tombee/automation-core/internal/store"
)

// Topic is the queue topic workflow executions run on.
const Topic = "workflow"

// Execution status values.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// IntegrationEndpoint is a configured external ticketing target (Jira
// or Linear create-issue endpoint) a jira/linear action node composes
// a request against.
type IntegrationEndpoint struct {
	URL  string
	Auth httpclient.Auth
}

// Integrations holds the optional Jira/Linear endpoints jira/linear
// action nodes dispatch against. Either may be nil if that ticketing
// system isn't configured; a workflow using the corresponding action
// kind then fails at execution time.
type Integrations struct {
	Jira   *IntegrationEndpoint
	Linear *IntegrationEndpoint
}

// Engine matches incident lifecycle events to workflow definitions,
// snapshots and enqueues matching executions, and interprets each
// execution's node graph on the workflow queue topic.
type Engine struct {
	store        *store.Store
	queue        *queue.Queue
	audit        *audit.Sink
	security     *security.HTTPSecurityConfig
	httpConfig   httpclient.Config
	integrations Integrations
	logger       *slog.Logger
}

// New builds an Engine. httpConfig supplies the base timeout/user
// agent shared by every action's HTTP call; per-node retry
// configuration overrides httpConfig.RetryAttempts/RetryBackoff at
// call time (see requesterForRetry).
func New(s *store.Store, q *queue.Queue, auditSink *audit.Sink, sec *security.HTTPSecurityConfig, httpConfig httpclient.Config, integrations Integrations, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, queue: q, audit: auditSink, security: sec, httpConfig: httpConfig, integrations: integrations, logger: logger}
}

// CreateVersionInput describes a new or edited workflow version.
type CreateVersionInput struct {
	ID          string
	Name        string
	Description string
	Scope       string // "global" or "team"
	Team        string
	Enabled     bool
	Definition  Definition
	CreatedBy   string
}

// CreateVersion validates in.Definition and persists it as the next
// version of workflow in.ID (version 1 if it doesn't exist yet).
// Versions are immutable once created; editing a workflow always
// appends a new version row rather than mutating one in place, so
// in-flight executions' snapshots are never retroactively altered.
func (e *Engine) CreateVersion(ctx context.Context, in CreateVersionInput) (*store.WorkflowVersion, error) {
	if in.Scope != "global" && in.Scope != "team" {
		return nil, &autoerrors.InvalidRequestError{Field: "scope", Message: "scope must be \"global\" or \"team\""}
	}
	if in.Scope == "team" && in.Team == "" {
		return nil, &autoerrors.InvalidRequestError{Field: "team", Message: "team-scoped workflows require a team"}
	}
	if err := Validate(&in.Definition); err != nil {
		return nil, err
	}

	defJSON, err := json.Marshal(in.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	version := 1
	if existing, err := e.store.GetLatestWorkflowVersion(ctx, in.ID); err == nil {
		version = existing.Version + 1
	} else {
		var notFound *autoerrors.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load latest workflow version: %w", err)
		}
	}

	wf := &store.WorkflowVersion{
		ID: in.ID, Version: version, Name: in.Name, Description: in.Description, Scope: in.Scope,
		Team: in.Team, Enabled: in.Enabled, Definition: string(defJSON), CreatedBy: in.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateWorkflowVersion(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow version: %w", err)
	}

	if e.audit != nil {
		_ = e.audit.Append(ctx, nil, uuid.NewString(), audit.Event{
			Action: "workflow.version.created", UserID: in.CreatedBy, TeamID: in.Team,
			ResourceType: "workflow", ResourceID: in.ID, Metadata: map[string]any{"version": version},
		}, wf.CreatedAt)
	}
	return wf, nil
}

