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
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation-core/internal/audit"
	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/httpclient"
	"github.com/tombee/automation-core/internal/queue"
	"github.com/tombee/automation-core/internal/store"
	"github.com/tombee/automation-core/internal/template"
)

// RegisterWorker wires the engine as the handler for the workflow
// topic. No default retry bump: a workflow worker failure always
// means a bug or an exhausted action retry, neither of which a bare
// queue-level re-delivery would fix, so callers set MaxRetries
// explicitly if they want any.
func (e *Engine) RegisterWorker(ctx context.Context, cfg queue.TopicConfig) {
	e.queue.RegisterTopic(ctx, Topic, cfg, e.handleJob)
}

type jobPayload struct {
	ExecutionID string `json:"execution_id"`
}

// handleJob interprets one execution's node graph starting from its
// cursor, strictly linearly: action nodes execute and follow their
// single out-edge, condition nodes branch on a string-equality test,
// and delay nodes suspend by re-enqueuing themselves and returning.
// completedNodes makes a redelivered job idempotent: any node already
// recorded as completed is skipped rather than re-run.
func (e *Engine) handleJob(ctx context.Context, raw []byte) error {
	var payload jobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal workflow job payload: %w", err)
	}

	exec, err := e.store.GetWorkflowExecution(ctx, payload.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load workflow execution %s: %w", payload.ExecutionID, err)
	}
	if exec.Status != StatusPending && exec.Status != StatusRunning {
		// Already terminal: a stale redelivery after completion/failure.
		return nil
	}

	var def Definition
	if err := json.Unmarshal([]byte(exec.DefinitionSnapshot), &def); err != nil {
		return e.fail(ctx, exec, fmt.Errorf("failed to unmarshal definition snapshot: %w", err))
	}

	var completed []string
	if err := json.Unmarshal([]byte(exec.CompletedNodes), &completed); err != nil {
		completed = nil
	}
	completedSet := make(map[string]bool, len(completed))
	for _, id := range completed {
		completedSet[id] = true
	}

	var actionResults map[string]json.RawMessage
	if err := json.Unmarshal([]byte(exec.ActionResults), &actionResults); err != nil || actionResults == nil {
		actionResults = make(map[string]json.RawMessage)
	}

	incidentFieldMap := map[string]string{}
	if exec.IncidentID != "" {
		inc, err := e.store.GetIncident(ctx, exec.IncidentID)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to load incident for condition evaluation", "incident_id", exec.IncidentID, "error", err)
		} else {
			incidentFieldMap = incidentFields(inc)
		}
	}

	exec.Status = StatusRunning
	if err := e.store.UpdateWorkflowExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to mark workflow execution %s running: %w", exec.ID, err)
	}

	cursor := exec.Cursor
	if cursor == "" {
		entry, ok := def.entryNode()
		if !ok {
			return e.fail(ctx, exec, errors.New("definition snapshot has no entry node"))
		}
		cursor = entry.ID
	}

	for cursor != "" {
		node, ok := def.nodeByID(cursor)
		if !ok {
			return e.fail(ctx, exec, fmt.Errorf("definition snapshot missing node %q", cursor))
		}

		if completedSet[node.ID] {
			next, err := singleNext(&def, node, incidentFieldMap)
			if err != nil {
				return e.fail(ctx, exec, err)
			}
			cursor = next
			continue
		}

		switch node.Kind {
		case NodeAction:
			result, err := e.runAction(ctx, exec, node)
			if err != nil {
				return e.fail(ctx, exec, err)
			}
			raw, _ := json.Marshal(result)
			actionResults[node.ID] = raw

		case NodeCondition:
			// handled by singleNext below, nothing to execute

		case NodeDelay:
			completedSet[node.ID] = true
			if err := e.persistProgress(ctx, exec, &def, completedSet, actionResults, node.ID); err != nil {
				return err
			}
			delay := time.Duration(node.DelayMinutes) * time.Minute
			if _, err := e.queue.Enqueue(ctx, Topic, jobPayload{ExecutionID: exec.ID}, queue.EnqueueOptions{
				JobID: exec.ID + ":delay:" + uuid.NewString(), Delay: delay,
			}); err != nil {
				return fmt.Errorf("failed to re-enqueue delayed workflow execution %s: %w", exec.ID, err)
			}
			return nil

		default:
			return e.fail(ctx, exec, fmt.Errorf("unknown node kind %q", node.Kind))
		}

		completedSet[node.ID] = true
		if err := e.persistProgress(ctx, exec, &def, completedSet, actionResults, ""); err != nil {
			return err
		}

		next, err := singleNext(&def, node, incidentFieldMap)
		if err != nil {
			return e.fail(ctx, exec, err)
		}
		cursor = next
	}

	return e.complete(ctx, exec, &def, completedSet, actionResults)
}

// singleNext resolves a node's one outgoing edge: for a condition
// node, the edge whose handle matches the string-equality result of
// ConditionField vs ConditionValue evaluated against the incident's
// dotted-path fields (the same fields a trigger condition matches
// against, see incidentFields in trigger.go); for every other kind,
// its single edge (or none, if it's a terminal node).
func singleNext(def *Definition, node *Node, incidentFieldMap map[string]string) (string, error) {
	out := def.outEdges(node.ID)
	if node.Kind != NodeCondition {
		if len(out) == 0 {
			return "", nil
		}
		return out[0].To, nil
	}

	actual := incidentFieldMap[node.ConditionField]
	want := "false"
	if actual == node.ConditionValue {
		want = "true"
	}
	for _, e := range out {
		if e.SourceHandle == want {
			return e.To, nil
		}
	}
	return "", fmt.Errorf("condition node %q has no %q edge", node.ID, want)
}

func (e *Engine) persistProgress(ctx context.Context, exec *store.WorkflowExecution, def *Definition, completed map[string]bool, results map[string]json.RawMessage, cursor string) error {
	exec.CompletedNodes = marshalKeys(completed)
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal action results: %w", err)
	}
	exec.ActionResults = string(resultsJSON)
	exec.Cursor = cursor
	if err := e.store.UpdateWorkflowExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to persist workflow execution %s progress: %w", exec.ID, err)
	}
	return nil
}

func marshalKeys(m map[string]bool) string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func (e *Engine) complete(ctx context.Context, exec *store.WorkflowExecution, def *Definition, completed map[string]bool, results map[string]json.RawMessage) error {
	now := time.Now().UTC()
	exec.Status = StatusSuccess
	exec.Cursor = ""
	exec.CompletedAt = &now
	exec.CompletedNodes = marshalKeys(completed)
	if raw, err := json.Marshal(results); err == nil {
		exec.ActionResults = string(raw)
	}
	if err := e.store.UpdateWorkflowExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to mark workflow execution %s complete: %w", exec.ID, err)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, exec *store.WorkflowExecution, cause error) error {
	now := time.Now().UTC()
	exec.Status = StatusFailed
	exec.CompletedAt = &now
	if err := e.store.UpdateWorkflowExecution(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "failed to mark workflow execution failed", "execution_id", exec.ID, "error", err)
	}
	return cause
}

// runAction interpolates and issues one action node's call, appending
// started/completed-or-failed timeline events, and returns the
// node-specific result map persisted into the execution's
// actionResults (e.g. {"ticketId":..., "ticketUrl":...} for jira/linear,
// {"statusCode":..., "ticketId":...} for webhook).
func (e *Engine) runAction(ctx context.Context, exec *store.WorkflowExecution, node *Node) (map[string]any, error) {
	e.appendTimeline(ctx, exec, eventActionStarted, map[string]any{"node": node.Name, "type": node.Action})

	result, err := e.dispatchAction(ctx, exec, node)
	if err != nil {
		e.appendTimeline(ctx, exec, eventActionFailed, map[string]any{"node": node.Name, "type": node.Action, "error": err.Error()})
		if e.audit != nil {
			_ = e.audit.Append(ctx, nil, uuid.NewString(), audit.Event{
				Action: "workflow.action.failed", ResourceType: "workflow_execution", ResourceID: exec.ID,
				Metadata: map[string]any{"node": node.Name, "error": err.Error()},
			}, time.Now().UTC())
		}
		return nil, err
	}

	preview := resultPreview(result)
	e.appendTimeline(ctx, exec, eventActionCompleted, map[string]any{"node": node.Name, "type": node.Action, "result": preview})
	return result, nil
}

func (e *Engine) dispatchAction(ctx context.Context, exec *store.WorkflowExecution, node *Node) (map[string]any, error) {
	tmplCtx := e.templateContext(ctx, exec)

	switch node.Action {
	case ActionWebhook:
		return e.runWebhook(ctx, tmplCtx, node.Webhook)
	case ActionJira:
		return e.runJira(ctx, tmplCtx, node.Jira)
	case ActionLinear:
		return e.runLinear(ctx, tmplCtx, node.Linear)
	default:
		return nil, fmt.Errorf("unsupported action kind %q", node.Action)
	}
}

func (e *Engine) templateContext(ctx context.Context, exec *store.WorkflowExecution) template.Context {
	tc := template.Context{}
	if exec.IncidentID == "" {
		return tc
	}
	inc, err := e.store.GetIncident(ctx, exec.IncidentID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to load incident for template context", "incident_id", exec.IncidentID, "error", err)
		return tc
	}
	tc.Incident = map[string]any{
		"id": inc.ID, "title": inc.Title, "priority": inc.Priority, "status": inc.Status, "team": inc.Team,
	}
	for k, v := range inc.Metadata {
		tc.Incident[k] = v
	}
	return tc
}

func (e *Engine) runWebhook(ctx context.Context, tmplCtx template.Context, action *WebhookAction) (map[string]any, error) {
	url, err := template.Render(action.URL, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to render webhook url: %w", err)
	}
	body, err := template.Render(action.Body, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to render webhook body: %w", err)
	}
	headers := make(map[string]string, len(action.Headers))
	for k, v := range action.Headers {
		rendered, err := template.Render(v, tmplCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to render webhook header %q: %w", k, err)
		}
		headers[k] = rendered
	}

	client, err := e.requesterForRetry(action.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook client: %w", err)
	}

	result, err := client.Do(ctx, httpclient.CallSpec{
		Method: action.Method, URL: url, Headers: headers, Body: []byte(body),
		Timeout: 30 * time.Second, Auth: toHTTPClientAuth(action.Auth),
	})
	if err != nil {
		return nil, err
	}

	refs := httpclient.ExtractTicketRefs(result.BodyPreview)
	out := map[string]any{"statusCode": result.StatusCode}
	if refs.ID != "" {
		out["ticketId"] = refs.ID
	}
	if refs.URL != "" {
		out["ticketUrl"] = refs.URL
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return out, &autoerrors.UpstreamFailureError{Target: url, Cause: fmt.Errorf("webhook returned status %d", result.StatusCode)}
	}
	return out, nil
}

// requesterForRetry builds a one-off Requester configured with r's
// retry attempts/backoff. Each webhook node may specify different
// retry behavior, so the client can't be shared across nodes the way
// the runbook engine's single zero-retry client is.
func (e *Engine) requesterForRetry(r RetryConfig) (*httpclient.Requester, error) {
	cfg := e.httpConfig
	cfg.AllowNonIdempotentRetry = true
	if r.Attempts > 0 {
		cfg.RetryAttempts = r.Attempts - 1
		cfg.RetryBackoff = time.Duration(r.InitialDelayMs) * time.Millisecond
		if cfg.MaxBackoff < cfg.RetryBackoff {
			cfg.MaxBackoff = cfg.RetryBackoff * time.Duration(r.Attempts)
		}
	} else {
		cfg.RetryAttempts = 0
	}
	return httpclient.NewRequester(cfg, e.security)
}

func toHTTPClientAuth(a AuthConfig) httpclient.Auth {
	return httpclient.Auth{
		Kind: httpclient.AuthKind(a.Type), Token: a.Token, Username: a.Username, Password: a.Password,
		TokenURL: a.TokenURL, ClientID: a.ClientID, ClientSecret: a.ClientSecret,
	}
}

// runJira composes a create-issue request via the engine's configured
// Jira integration endpoint and parses the response into
// ticketId/ticketUrl.
func (e *Engine) runJira(ctx context.Context, tmplCtx template.Context, action *JiraAction) (map[string]any, error) {
	if e.integrations.Jira == nil {
		return nil, errors.New("no jira integration configured")
	}
	summary, err := template.Render(action.Summary, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to render jira summary: %w", err)
	}
	description, err := template.Render(action.Description, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to render jira description: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": action.ProjectKey},
			"issuetype":   map[string]string{"name": action.IssueType},
			"summary":     summary,
			"description": description,
			"priority":    action.Priority,
			"labels":      action.Labels,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jira issue request: %w", err)
	}
	return e.callIntegration(ctx, e.integrations.Jira, body)
}

// runLinear composes a create-issue request via the engine's
// configured Linear integration endpoint.
func (e *Engine) runLinear(ctx context.Context, tmplCtx template.Context, action *LinearAction) (map[string]any, error) {
	if e.integrations.Linear == nil {
		return nil, errors.New("no linear integration configured")
	}
	title, err := template.Render(action.Title, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to render linear title: %w", err)
	}
	description, err := template.Render(action.Description, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to render linear description: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"teamId": action.TeamID, "title": title, "description": description, "priority": action.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal linear issue request: %w", err)
	}
	return e.callIntegration(ctx, e.integrations.Linear, body)
}

func (e *Engine) callIntegration(ctx context.Context, target *IntegrationEndpoint, body []byte) (map[string]any, error) {
	client, err := httpclient.NewRequester(e.httpConfig, e.security)
	if err != nil {
		return nil, fmt.Errorf("failed to build integration client: %w", err)
	}
	result, err := client.Do(ctx, httpclient.CallSpec{
		Method: http.MethodPost, URL: target.URL, Headers: map[string]string{"Content-Type": "application/json"},
		Body: body, Timeout: 30 * time.Second, Auth: target.Auth,
	})
	if err != nil {
		return nil, err
	}
	refs := httpclient.ExtractTicketRefs(result.BodyPreview)
	return map[string]any{"ticketId": refs.ID, "ticketUrl": refs.URL, "statusCode": result.StatusCode}, nil
}

func resultPreview(result map[string]any) map[string]any {
	if len(result) <= 4 {
		return result
	}
	preview := make(map[string]any, 4)
	i := 0
	for k, v := range result {
		if i >= 4 {
			break
		}
		preview[k] = v
		i++
	}
	return preview
}
