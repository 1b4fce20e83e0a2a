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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation-core/internal/escalation"
	"github.com/tombee/automation-core/internal/incident"
	"github.com/tombee/automation-core/internal/queue"
	"github.com/tombee/automation-core/internal/store"
)

// matchEvent carries everything trigger matching needs, regardless of
// which of the three event-driven trigger kinds produced it.
type matchEvent struct {
	kind       TriggerKind
	incident   *store.Incident
	from, to   string // state_changed only
	chain      []string
	occurredAt time.Time
}

// OnIncidentCreated should be wired to incident.Engine.OnLifecycleEvent.
func (e *Engine) OnIncidentCreated(ctx context.Context, ev incident.LifecycleEvent) {
	if ev.From != "" {
		e.onStateChanged(ctx, ev)
		return
	}
	inc, err := e.store.GetIncident(ctx, ev.IncidentID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to load incident for trigger matching", "incident_id", ev.IncidentID, "error", err)
		return
	}
	e.match(ctx, matchEvent{kind: TriggerIncidentCreated, incident: inc, occurredAt: ev.OccurredAt})
}

// onStateChanged is also reached via OnIncidentCreated for every
// non-creation transition, since incident.Engine emits both kinds of
// lifecycle events through the one listener shape.
func (e *Engine) onStateChanged(ctx context.Context, ev incident.LifecycleEvent) {
	inc, err := e.store.GetIncident(ctx, ev.IncidentID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to load incident for trigger matching", "incident_id", ev.IncidentID, "error", err)
		return
	}
	e.match(ctx, matchEvent{kind: TriggerStateChanged, incident: inc, from: ev.From, to: ev.To, occurredAt: ev.OccurredAt})
}

// OnEscalationTriggered should be wired to escalation.Engine.OnLevelTriggered.
func (e *Engine) OnEscalationTriggered(ctx context.Context, ev escalation.LevelEvent) {
	inc, err := e.store.GetIncident(ctx, ev.IncidentID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to load incident for trigger matching", "incident_id", ev.IncidentID, "error", err)
		return
	}
	e.match(ctx, matchEvent{kind: TriggerEscalation, incident: inc, occurredAt: ev.OccurredAt})
}

// TriggerManual fires workflowID directly, bypassing trigger-kind and
// condition matching, and starting a fresh execution chain.
func (e *Engine) TriggerManual(ctx context.Context, workflowID string, inc *store.Incident, userID string) (*store.WorkflowExecution, error) {
	wf, err := e.store.GetLatestWorkflowVersion(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.snapshotAndEnqueue(ctx, wf, inc, TriggerManual, "", nil)
}

// match loads every enabled workflow visible to the incident's team
// (its own team plus every global-scope workflow), filters by trigger
// kind and conditions, and snapshots+enqueues each match. A workflow
// already present in the chain carried by the event that produced
// this match is skipped, preventing unbounded cross-workflow
// recursion (a webhook action firing another incident event that
// matches the same workflow again).
func (e *Engine) match(ctx context.Context, mev matchEvent) {
	candidates, err := e.store.ListEnabledWorkflowsByTeam(ctx, mev.incident.Team)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to list enabled workflows", "team", mev.incident.Team, "error", err)
		return
	}

	for _, wf := range candidates {
		if containsChain(mev.chain, wf.ID) {
			continue
		}
		var def Definition
		if err := json.Unmarshal([]byte(wf.Definition), &def); err != nil {
			e.logger.WarnContext(ctx, "failed to unmarshal workflow definition", "workflow_id", wf.ID, "error", err)
			continue
		}
		if def.Trigger.Kind != mev.kind {
			continue
		}
		if mev.kind == TriggerStateChanged && !stateChangeMatches(def.Trigger, mev.from, mev.to) {
			continue
		}
		if !conditionsMatch(def.Trigger.Conditions, mev.incident) {
			continue
		}

		triggerEvent := string(mev.kind)
		if mev.kind == TriggerStateChanged {
			triggerEvent = mev.from + "->" + mev.to
		}
		if _, err := e.snapshotAndEnqueue(ctx, wf, mev.incident, mev.kind, triggerEvent, append(mev.chain, wf.ID)); err != nil {
			e.logger.WarnContext(ctx, "failed to snapshot and enqueue workflow execution", "workflow_id", wf.ID, "error", err)
		}
	}
}

func stateChangeMatches(t Trigger, from, to string) bool {
	if t.From != "" && t.From != from {
		return false
	}
	if t.To != "" && t.To != to {
		return false
	}
	return true
}

// conditionsMatch evaluates every condition as a conjunction of
// string-equality tests against dotted paths into the incident.
func conditionsMatch(conditions []Condition, inc *store.Incident) bool {
	if len(conditions) == 0 {
		return true
	}
	fields := incidentFields(inc)
	for _, c := range conditions {
		if fields[c.Field] != c.Value {
			return false
		}
	}
	return true
}

// incidentFields flattens an incident into a dotted-path string map
// ("priority", "status", "metadata.service", ...) for condition
// evaluation. Non-string metadata values are stringified.
func incidentFields(inc *store.Incident) map[string]string {
	out := map[string]string{
		"id":                 inc.ID,
		"title":              inc.Title,
		"priority":           inc.Priority,
		"status":             inc.Status,
		"team":               inc.Team,
		"escalationPolicyId": inc.EscalationPolicyID,
		"assignedUserId":     inc.AssignedUserID,
		"escalationLevel":    strconv.Itoa(inc.EscalationLevel),
	}
	for k, v := range inc.Metadata {
		out["metadata."+k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		s := string(b)
		return strings.Trim(s, `"`)
	}
}

func containsChain(chain []string, id string) bool {
	for _, c := range chain {
		if c == id {
			return true
		}
	}
	return false
}

// snapshotAndEnqueue creates a PENDING execution holding a copy of
// wf's stored definition JSON, so later edits to the
// live workflow never affect an in-flight run, then enqueues one job
// keyed by the execution's own id.
func (e *Engine) snapshotAndEnqueue(ctx context.Context, wf *store.WorkflowVersion, inc *store.Incident, kind TriggerKind, triggerEvent string, chain []string) (*store.WorkflowExecution, error) {
	chainJSON, err := json.Marshal(chainEntries(chain))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution chain: %w", err)
	}

	incidentID := ""
	if inc != nil {
		incidentID = inc.ID
	}

	exec := &store.WorkflowExecution{
		ID: uuid.NewString(), WorkflowID: wf.ID, WorkflowVersion: wf.Version,
		DefinitionSnapshot: wf.Definition, IncidentID: incidentID,
		TriggerKind: string(kind), TriggerEvent: triggerEvent, Status: StatusPending,
		CompletedNodes: "[]", ActionResults: "{}", ExecutionChain: string(chainJSON),
		StartedAt: time.Now().UTC(),
	}

	if err := e.store.CreateWorkflowExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create workflow execution: %w", err)
	}

	if _, err := e.queue.Enqueue(ctx, Topic, jobPayload{ExecutionID: exec.ID}, queue.EnqueueOptions{JobID: exec.ID}); err != nil {
		return nil, fmt.Errorf("failed to enqueue workflow execution %s: %w", exec.ID, err)
	}
	return exec, nil
}

func chainEntries(ids []string) []ExecutionChainEntry {
	now := time.Now().UTC()
	out := make([]ExecutionChainEntry, len(ids))
	for i, id := range ids {
		out[i] = ExecutionChainEntry{WorkflowID: id, AddedAt: now}
	}
	return out
}
