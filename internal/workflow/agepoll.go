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
	"time"

	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/store"
)

// AgePollInterval is how often PollAgeTriggers should be invoked.
// Intended to run on a single leader, gated by leader election, via
// scheduler.Job.
const AgePollInterval = 5 * time.Minute

// PollAgeTriggers evaluates every enabled workflow with an "age"
// trigger: for each, it finds OPEN incidents in the workflow's scope
// older than its threshold that have no execution of that workflow
// started within the threshold window, evaluates conditions, and
// fires once per (incident, threshold-crossing). Returns the number
// of executions created.
func (e *Engine) PollAgeTriggers(ctx context.Context) (int, error) {
	workflows, err := e.ageTriggeredWorkflows(ctx)
	if err != nil {
		return 0, err
	}

	fired := 0
	now := time.Now().UTC()
	for _, wf := range workflows {
		var def Definition
		if err := json.Unmarshal([]byte(wf.Definition), &def); err != nil {
			e.logger.WarnContext(ctx, "failed to unmarshal age-triggered workflow definition", "workflow_id", wf.ID, "error", err)
			continue
		}

		threshold := now.Add(-time.Duration(def.Trigger.AgeThresholdMinutes) * time.Minute)
		incidents, err := e.store.ListOpenIncidentsCreatedBefore(ctx, threshold)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to list open incidents for age trigger", "workflow_id", wf.ID, "error", err)
			continue
		}

		for _, inc := range incidents {
			if wf.Scope == "team" && inc.Team != wf.Team {
				continue
			}
			if !conditionsMatch(def.Trigger.Conditions, inc) {
				continue
			}
			if e.firedWithinWindow(ctx, wf.ID, inc.ID, threshold) {
				continue
			}
			if _, err := e.snapshotAndEnqueue(ctx, wf, inc, TriggerAge, fmt.Sprintf("age>=%dm", def.Trigger.AgeThresholdMinutes), nil); err != nil {
				e.logger.WarnContext(ctx, "failed to fire age-triggered workflow", "workflow_id", wf.ID, "incident_id", inc.ID, "error", err)
				continue
			}
			fired++
		}
	}
	return fired, nil
}

func (e *Engine) ageTriggeredWorkflows(ctx context.Context) ([]*store.WorkflowVersion, error) {
	all, err := e.store.ListEnabledWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled workflows: %w", err)
	}

	out := make([]*store.WorkflowVersion, 0, len(all))
	for _, wf := range all {
		var def Definition
		if err := json.Unmarshal([]byte(wf.Definition), &def); err != nil {
			continue
		}
		if def.Trigger.Kind == TriggerAge {
			out = append(out, wf)
		}
	}
	return out, nil
}

// firedWithinWindow reports whether workflowID already has an
// execution against incidentID started at or after threshold. A
// NotFoundError (no execution at all yet) means it hasn't.
func (e *Engine) firedWithinWindow(ctx context.Context, workflowID, incidentID string, threshold time.Time) bool {
	latest, err := e.store.GetLatestWorkflowExecutionForIncident(ctx, workflowID, incidentID)
	if err != nil {
		var notFound *autoerrors.NotFoundError
		if errors.As(err, &notFound) {
			return false
		}
		e.logger.WarnContext(ctx, "failed to check prior age-trigger execution", "workflow_id", workflowID, "incident_id", incidentID, "error", err)
		return true // fail closed: don't double-fire on a transient lookup error
	}
	return !latest.StartedAt.Before(threshold)
}
