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

// Package runbook validates and fires a single outbound HTTP call on
// behalf of a runbook definition: execute() persists a PENDING
// execution after validating its parameters, a worker then issues the
// one HTTP request the execution describes and records the result.
package runbook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation-core/internal/audit"
	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/httpclient"
	"github.com/tombee/automation-core/internal/queue"
	"github.com/tombee/automation-core/internal/store"
	"github.com/tombee/automation-core/internal/template"
)

// Topic is the queue topic runbook executions dispatch on.
const Topic = "runbook.execute"

// Approval statuses a runbook version can hold.
const (
	StatusDraft      = "draft"
	StatusApproved   = "approved"
	StatusDeprecated = "deprecated"
)

// Execution statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// maxTimeoutSeconds is the hard cap on a runbook's configured timeout,
// regardless of what its definition requests.
const maxTimeoutSeconds = 300

// httpSpec is the JSON shape of RunbookVersion.HTTPSpec.
type httpSpec struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Auth    authSpec          `json:"auth"`
}

type authSpec struct {
	Kind         string            `json:"kind"`
	Token        string            `json:"token"`
	Username     string            `json:"username"`
	Password     string            `json:"password"`
	TokenURL     string            `json:"tokenUrl"`
	ClientID     string            `json:"clientId"`
	ClientSecret string            `json:"clientSecret"`
	Scopes       []string          `json:"scopes"`
	Headers      map[string]string `json:"headers"`
}

func (a authSpec) toHTTPClientAuth() httpclient.Auth {
	return httpclient.Auth{
		Kind: httpclient.AuthKind(a.Kind), Token: a.Token, Username: a.Username, Password: a.Password,
		TokenURL: a.TokenURL, ClientID: a.ClientID, ClientSecret: a.ClientSecret, Scopes: a.Scopes, Headers: a.Headers,
	}
}

// parameterSchema is the JSON-Schema-like shape of RunbookVersion.ParameterSchema.
type parameterSchema struct {
	Properties map[string]paramProperty `json:"properties"`
	Required   []string                 `json:"required"`
}

type paramProperty struct {
	Type    string `json:"type"`
	Enum    []any  `json:"enum"`
	Default any    `json:"default"`
}

// Engine validates, persists, and dispatches runbook executions.
type Engine struct {
	store  *store.Store
	queue  *queue.Queue
	client *httpclient.Requester
	audit  *audit.Sink
	logger *slog.Logger
}

func New(s *store.Store, q *queue.Queue, client *httpclient.Requester, auditSink *audit.Sink, logger *slog.Logger) *Engine {
	return &Engine{store: s, queue: q, client: client, audit: auditSink, logger: logger}
}

// ExecuteRequest is the input to Execute.
type ExecuteRequest struct {
	RunbookID   string
	IncidentID  string // optional
	Params      map[string]any
	TriggeredBy string // "manual" | "workflow"
	UserID      string // optional, set for manual triggers
	CallerTeam  string // caller's team context, used when IncidentID is empty
}

type jobPayload struct {
	ExecutionID string `json:"execution_id"`
}

// Execute runs the five-step synchronous pipeline: load+require-approved,
// team-match check, parameter validation, persist-PENDING, enqueue. It
// returns the persisted execution; the HTTP call itself runs
// asynchronously in the worker registered by RegisterWorker.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*store.RunbookExecution, error) {
	rb, err := e.store.GetLatestRunbookVersion(ctx, req.RunbookID)
	if err != nil {
		return nil, err
	}
	if rb.ApprovalStatus != StatusApproved {
		return nil, &autoerrors.ConflictError{Resource: "runbook",
			Reason: fmt.Sprintf("runbook %s is %s, not approved", req.RunbookID, rb.ApprovalStatus)}
	}

	if rb.Team != "" {
		callerTeam := req.CallerTeam
		if req.IncidentID != "" {
			inc, err := e.store.GetIncident(ctx, req.IncidentID)
			if err != nil {
				return nil, err
			}
			callerTeam = inc.Team
		}
		if callerTeam != rb.Team {
			return nil, &autoerrors.ForbiddenError{Reason: fmt.Sprintf("runbook %s is scoped to team %s", req.RunbookID, rb.Team)}
		}
	}

	schema, err := parseParameterSchema(rb.ParameterSchema)
	if err != nil {
		return nil, err
	}
	params := applyParamDefaults(schema, req.Params)
	if err := validateParams(schema, params); err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(rb)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot runbook definition: %w", err)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal runbook params: %w", err)
	}

	now := time.Now().UTC()
	exec := &store.RunbookExecution{
		ID: uuid.NewString(), RunbookID: rb.ID, RunbookVersion: rb.Version, IncidentID: req.IncidentID,
		DefinitionSnapshot: string(snapshot), Params: string(paramsJSON), Status: StatusPending,
		TriggeredBy: req.TriggeredBy, ExecutedByUserID: req.UserID, StartedAt: now,
	}
	if err := e.store.CreateRunbookExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to persist runbook execution: %w", err)
	}

	if _, err := e.queue.Enqueue(ctx, Topic, jobPayload{ExecutionID: exec.ID}, queue.EnqueueOptions{JobID: exec.ID}); err != nil {
		return nil, fmt.Errorf("failed to enqueue runbook execution: %w", err)
	}
	return exec, nil
}

// parseParameterSchema parses RunbookVersion.ParameterSchema's
// JSON-Schema-like shape. An empty schemaJSON parses to a schema with
// no properties and no required fields.
func parseParameterSchema(schemaJSON string) (parameterSchema, error) {
	if schemaJSON == "" {
		return parameterSchema{}, nil
	}
	var schema parameterSchema
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return parameterSchema{}, fmt.Errorf("failed to parse parameter schema: %w", err)
	}
	return schema, nil
}

// applyParamDefaults returns a copy of params with each schema
// property's "default" injected for any property absent from params.
// A property with no "default" in its schema is left absent, same as
// today, so validateParams's required check still fires for it.
func applyParamDefaults(schema parameterSchema, params map[string]any) map[string]any {
	merged := make(map[string]any, len(params)+len(schema.Properties))
	for k, v := range params {
		merged[k] = v
	}
	for name, prop := range schema.Properties {
		if _, ok := merged[name]; !ok && prop.Default != nil {
			merged[name] = prop.Default
		}
	}
	return merged
}

// validateParams checks params against schema's properties (type,
// enum) and required list, collecting every failing field into a
// single InvalidParametersError rather than stopping at the first.
func validateParams(schema parameterSchema, params map[string]any) error {
	var fields []autoerrors.FieldError
	for _, name := range schema.Required {
		if _, ok := params[name]; !ok {
			fields = append(fields, autoerrors.FieldError{Field: name, Reason: "required"})
		}
	}
	for name, value := range params {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if prop.Type != "" && !matchesJSONType(value, prop.Type) {
			fields = append(fields, autoerrors.FieldError{Field: name, Reason: fmt.Sprintf("expected type %s", prop.Type)})
			continue
		}
		if len(prop.Enum) > 0 && !inEnum(value, prop.Enum) {
			fields = append(fields, autoerrors.FieldError{Field: name, Reason: "not one of the allowed values"})
		}
	}

	if len(fields) > 0 {
		return &autoerrors.InvalidParametersError{Fields: fields}
	}
	return nil
}

func matchesJSONType(value any, jsonType string) bool {
	switch jsonType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

func inEnum(value any, enum []any) bool {
	for _, v := range enum {
		if v == value {
			return true
		}
	}
	return false
}

// Approve transitions a draft runbook version to approved, auditing
// the transition at high severity.
func (e *Engine) Approve(ctx context.Context, id string, version int, userID string) error {
	return e.transitionApproval(ctx, id, version, StatusDraft, StatusApproved, userID, "runbook.approved")
}

// Deprecate transitions an approved runbook version to deprecated,
// auditing the transition at high severity.
func (e *Engine) Deprecate(ctx context.Context, id string, version int, userID string) error {
	return e.transitionApproval(ctx, id, version, StatusApproved, StatusDeprecated, userID, "runbook.deprecated")
}

// transitionApproval requires version to be the runbook's latest —
// the store only exposes a latest-version read, and approval in
// practice always advances the version an author just created.
func (e *Engine) transitionApproval(ctx context.Context, id string, version int, from, to, userID, action string) error {
	rb, err := e.store.GetLatestRunbookVersion(ctx, id)
	if err != nil {
		return err
	}
	if rb.Version != version {
		return &autoerrors.NotFoundError{Resource: "runbook", ID: fmt.Sprintf("%s@%d", id, version)}
	}
	if rb.ApprovalStatus != from {
		return &autoerrors.InvalidTransitionError{Resource: "runbook", From: rb.ApprovalStatus, To: to}
	}

	now := time.Now().UTC()
	if err := e.store.UpdateRunbookApprovalStatus(ctx, id, version, to, now); err != nil {
		return err
	}
	if e.audit != nil {
		_ = e.audit.Append(ctx, nil, uuid.NewString(), audit.Event{
			Action: action, UserID: userID, ResourceType: "runbook", ResourceID: id, Severity: audit.SeverityHigh,
			Metadata: map[string]any{"version": version, "from": from, "to": to},
		}, now)
	}
	return nil
}

// RegisterWorker wires the execution worker to the queue. No retries
// by default: a zero MaxRetries means one attempt, one result, per
// the "no retries by default" constraint.
func (e *Engine) RegisterWorker(ctx context.Context, cfg queue.TopicConfig) {
	e.queue.RegisterTopic(ctx, Topic, cfg, e.handleJob)
}

func (e *Engine) handleJob(ctx context.Context, raw []byte) error {
	var payload jobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal runbook job payload: %w", err)
	}

	exec, err := e.store.GetRunbookExecution(ctx, payload.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load runbook execution %s: %w", payload.ExecutionID, err)
	}
	if exec.Status != StatusPending {
		// Already picked up by a prior (possibly crashed-and-requeued)
		// dispatch; re-running would double-fire the outbound call.
		return nil
	}

	exec.Status = StatusRunning
	if err := e.store.UpdateRunbookExecution(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "failed to mark runbook execution running", "execution_id", exec.ID, "error", err)
	}

	var rb store.RunbookVersion
	if err := json.Unmarshal([]byte(exec.DefinitionSnapshot), &rb); err != nil {
		return e.finish(ctx, exec, StatusFailed, fmt.Sprintf("corrupt definition snapshot: %v", err), httpclient.TicketRefs{})
	}

	var spec httpSpec
	if err := json.Unmarshal([]byte(rb.HTTPSpec), &spec); err != nil {
		return e.finish(ctx, exec, StatusFailed, fmt.Sprintf("corrupt http spec: %v", err), httpclient.TicketRefs{})
	}

	var params map[string]any
	_ = json.Unmarshal([]byte(exec.Params), &params)

	tmplCtx := template.Context{Params: params}
	if exec.IncidentID != "" {
		if inc, err := e.store.GetIncident(ctx, exec.IncidentID); err == nil {
			tmplCtx.Incident = map[string]any{
				"id": inc.ID, "title": inc.Title, "priority": inc.Priority,
				"status": inc.Status, "team": inc.Team,
			}
			tmplCtx.Team = inc.Team
		}
	}

	url, err := template.Render(spec.URL, tmplCtx)
	if err != nil {
		return e.finish(ctx, exec, StatusFailed, fmt.Sprintf("failed to render url: %v", err), httpclient.TicketRefs{})
	}
	headers := make(map[string]string, len(spec.Headers))
	for k, v := range spec.Headers {
		rendered, err := template.Render(v, tmplCtx)
		if err != nil {
			return e.finish(ctx, exec, StatusFailed, fmt.Sprintf("failed to render header %s: %v", k, err), httpclient.TicketRefs{})
		}
		headers[k] = rendered
	}
	body, err := template.Render(rb.PayloadTemplate, tmplCtx)
	if err != nil {
		return e.finish(ctx, exec, StatusFailed, fmt.Sprintf("failed to render body: %v", err), httpclient.TicketRefs{})
	}

	timeout := time.Duration(rb.TimeoutSeconds) * time.Second
	if rb.TimeoutSeconds <= 0 || rb.TimeoutSeconds > maxTimeoutSeconds {
		timeout = maxTimeoutSeconds * time.Second
	}

	method := spec.Method
	if method == "" {
		method = "POST"
	}
	result, callErr := e.client.Do(ctx, httpclient.CallSpec{
		Method: method, URL: url, Headers: headers, Body: []byte(body),
		Timeout: timeout, Auth: spec.Auth.toHTTPClientAuth(),
	})
	if callErr != nil && result == nil {
		// No response at all: SSRF rejection, dial failure, timeout.
		return e.finish(ctx, exec, StatusFailed, callErr.Error(), httpclient.TicketRefs{})
	}

	refs := httpclient.ExtractTicketRefs(result.BodyPreview)
	if callErr != nil {
		return e.finish(ctx, exec, StatusFailed, callErr.Error(), refs)
	}
	return e.finish(ctx, exec, StatusSuccess, "", refs)
}

func (e *Engine) finish(ctx context.Context, exec *store.RunbookExecution, status, errMsg string, refs httpclient.TicketRefs) error {
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	exec.Error = errMsg
	if err := e.store.UpdateRunbookExecution(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "failed to record runbook execution result", "execution_id", exec.ID, "error", err)
	}

	if exec.IncidentID != "" {
		metadata := map[string]any{"execution_id": exec.ID, "runbook_id": exec.RunbookID, "status": status}
		if errMsg != "" {
			metadata["error"] = errMsg
		}
		if refs.ID != "" {
			metadata["ticket_id"] = refs.ID
		}
		if refs.URL != "" {
			metadata["ticket_url"] = refs.URL
		}
		if err := e.store.AppendTimelineEvent(ctx, nil, &store.TimelineEvent{
			ID: uuid.NewString(), IncidentID: exec.IncidentID, Kind: "runbook.executed", Metadata: metadata, CreatedAt: now,
		}); err != nil {
			e.logger.WarnContext(ctx, "failed to append runbook.executed timeline event", "execution_id", exec.ID, "error", err)
		}
	}
	return nil
}
