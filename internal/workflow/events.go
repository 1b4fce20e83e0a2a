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
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation-core/internal/store"
)

// Timeline event kinds recorded against an execution's incident: each
// action node gets a started event, then a completed or failed one.
// Condition and delay nodes record none.
const (
	eventActionStarted   = "workflow.action.started"
	eventActionCompleted = "workflow.action.completed"
	eventActionFailed    = "workflow.action.failed"
)

// appendTimeline writes a timeline event for exec's incident, if it
// has one, tagging metadata with the execution's id under
// "executionId". A manually-triggered execution with no incident has
// nothing to append against; that's not an error.
func (e *Engine) appendTimeline(ctx context.Context, exec *store.WorkflowExecution, kind string, metadata map[string]any) {
	if exec.IncidentID == "" {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["executionId"] = exec.ID
	if err := e.store.AppendTimelineEvent(ctx, nil, &store.TimelineEvent{
		ID: uuid.NewString(), IncidentID: exec.IncidentID, Kind: kind, Metadata: metadata, CreatedAt: time.Now().UTC(),
	}); err != nil {
		e.logger.WarnContext(ctx, "failed to append workflow timeline event", "execution_id", exec.ID, "kind", kind, "error", err)
	}
}
