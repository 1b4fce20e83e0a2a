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
	"fmt"

	autoerrors "github.com/tombee/automation-core/internal/errors"
)

// Validate checks a Definition against every save-time invariant:
// exactly one trigger, every node named, required config populated
// per action kind, no cycles, no unreachable nodes, no self-edges.
// The save path must reject an invalid definition outright.
func Validate(d *Definition) error {
	if d.Trigger.Kind == "" {
		return &autoerrors.InvalidRequestError{Field: "trigger.kind", Message: "a workflow requires exactly one trigger"}
	}
	if err := validateTriggerKind(d.Trigger.Kind); err != nil {
		return err
	}

	if len(d.Nodes) == 0 {
		return &autoerrors.InvalidRequestError{Field: "nodes", Message: "a workflow requires at least one node"}
	}

	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return &autoerrors.InvalidRequestError{Field: "nodes[].id", Message: "every node requires an id"}
		}
		if n.Name == "" {
			return &autoerrors.InvalidRequestError{Field: "nodes[].name", Message: fmt.Sprintf("node %q requires a name", n.ID)}
		}
		if seen[n.ID] {
			return &autoerrors.InvalidRequestError{Field: "nodes[].id", Message: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		seen[n.ID] = true

		if err := validateNodeConfig(&n); err != nil {
			return err
		}
	}

	for _, e := range d.Edges {
		if e.From == e.To {
			return &autoerrors.InvalidRequestError{Field: "edges", Message: fmt.Sprintf("self-edge on node %q is not allowed", e.From)}
		}
		if !seen[e.From] {
			return &autoerrors.InvalidRequestError{Field: "edges[].from", Message: fmt.Sprintf("edge references unknown node %q", e.From)}
		}
		if !seen[e.To] {
			return &autoerrors.InvalidRequestError{Field: "edges[].to", Message: fmt.Sprintf("edge references unknown node %q", e.To)}
		}
	}

	if err := validateOutDegree(d); err != nil {
		return err
	}
	if err := validateAcyclic(d); err != nil {
		return err
	}
	if err := validateReachable(d); err != nil {
		return err
	}
	return nil
}

func validateTriggerKind(k TriggerKind) error {
	switch k {
	case TriggerIncidentCreated, TriggerStateChanged, TriggerEscalation, TriggerManual, TriggerAge:
		return nil
	default:
		return &autoerrors.InvalidRequestError{Field: "trigger.kind", Message: fmt.Sprintf("unknown trigger kind %q", k)}
	}
}

func validateNodeConfig(n *Node) error {
	switch n.Kind {
	case NodeAction:
		return validateActionConfig(n)
	case NodeCondition:
		if n.ConditionField == "" {
			return &autoerrors.InvalidRequestError{Field: "conditionField", Message: fmt.Sprintf("condition node %q requires conditionField", n.ID)}
		}
		return nil
	case NodeDelay:
		if n.DelayMinutes <= 0 {
			return &autoerrors.InvalidRequestError{Field: "delayMinutes", Message: fmt.Sprintf("delay node %q requires a positive delayMinutes", n.ID)}
		}
		return nil
	default:
		return &autoerrors.InvalidRequestError{Field: "nodes[].kind", Message: fmt.Sprintf("unknown node kind %q on node %q", n.Kind, n.ID)}
	}
}

func validateActionConfig(n *Node) error {
	switch n.Action {
	case ActionWebhook:
		if n.Webhook == nil {
			return &autoerrors.InvalidRequestError{Field: "webhook", Message: fmt.Sprintf("action node %q requires webhook config", n.ID)}
		}
		if n.Webhook.URL == "" {
			return &autoerrors.InvalidRequestError{Field: "webhook.url", Message: fmt.Sprintf("node %q requires webhook.url", n.ID)}
		}
		switch n.Webhook.Method {
		case "POST", "PUT", "PATCH":
		default:
			return &autoerrors.InvalidRequestError{Field: "webhook.method", Message: fmt.Sprintf("node %q: method must be POST, PUT, or PATCH", n.ID)}
		}
		return validateRetry(n.ID, n.Webhook.Retry)
	case ActionJira:
		if n.Jira == nil {
			return &autoerrors.InvalidRequestError{Field: "jira", Message: fmt.Sprintf("action node %q requires jira config", n.ID)}
		}
		if n.Jira.ProjectKey == "" || n.Jira.IssueType == "" || n.Jira.Summary == "" || n.Jira.Description == "" {
			return &autoerrors.InvalidRequestError{Field: "jira", Message: fmt.Sprintf("node %q: projectKey, issueType, summary, and description are required", n.ID)}
		}
		return nil
	case ActionLinear:
		if n.Linear == nil {
			return &autoerrors.InvalidRequestError{Field: "linear", Message: fmt.Sprintf("action node %q requires linear config", n.ID)}
		}
		if n.Linear.TeamID == "" || n.Linear.Title == "" || n.Linear.Description == "" {
			return &autoerrors.InvalidRequestError{Field: "linear", Message: fmt.Sprintf("node %q: teamId, title, and description are required", n.ID)}
		}
		if n.Linear.Priority < 0 || n.Linear.Priority > 4 {
			return &autoerrors.InvalidRequestError{Field: "linear.priority", Message: fmt.Sprintf("node %q: priority must be 0..4", n.ID)}
		}
		return nil
	default:
		return &autoerrors.InvalidRequestError{Field: "nodes[].action", Message: fmt.Sprintf("unknown action kind %q on node %q", n.Action, n.ID)}
	}
}

// retry config defaults to a single attempt when omitted (zero value):
// a webhook author who doesn't ask for retries gets exactly one try.
func validateRetry(nodeID string, r RetryConfig) error {
	if r.Attempts == 0 {
		return nil
	}
	if r.Attempts < 1 || r.Attempts > 5 {
		return &autoerrors.InvalidRequestError{Field: "webhook.retry.attempts", Message: fmt.Sprintf("node %q: retry attempts must be 1..5", nodeID)}
	}
	if r.Backoff != "exponential" {
		return &autoerrors.InvalidRequestError{Field: "webhook.retry.backoff", Message: fmt.Sprintf("node %q: only exponential backoff is supported", nodeID)}
	}
	if r.InitialDelayMs < 100 {
		return &autoerrors.InvalidRequestError{Field: "webhook.retry.initialDelayMs", Message: fmt.Sprintf("node %q: initialDelayMs must be >= 100", nodeID)}
	}
	return nil
}

// validateOutDegree enforces the strictly-linear shape: condition
// nodes have exactly two outgoing edges (handles "true" and "false"),
// every other node kind has at most one.
func validateOutDegree(d *Definition) error {
	for _, n := range d.Nodes {
		out := d.outEdges(n.ID)
		if n.Kind == NodeCondition {
			if len(out) != 2 {
				return &autoerrors.InvalidRequestError{Field: "edges", Message: fmt.Sprintf("condition node %q requires exactly two outgoing edges, found %d", n.ID, len(out))}
			}
			handles := map[string]bool{}
			for _, e := range out {
				handles[e.SourceHandle] = true
			}
			if !handles["true"] || !handles["false"] {
				return &autoerrors.InvalidRequestError{Field: "edges[].sourceHandle", Message: fmt.Sprintf("condition node %q requires true/false handles", n.ID)}
			}
			continue
		}
		if len(out) > 1 {
			return &autoerrors.InvalidRequestError{Field: "edges", Message: fmt.Sprintf("node %q has %d outgoing edges, at most 1 is allowed", n.ID, len(out))}
		}
	}
	return nil
}

// validateAcyclic runs a DFS with a recursion-stack (gray) set,
// rejecting with a CycleError carrying the offending path.
func validateAcyclic(d *Definition) error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(d.Nodes))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)
		for _, e := range d.outEdges(id) {
			switch color[e.To] {
			case gray:
				return &autoerrors.CycleError{Kind: "workflow_graph", Path: append(append([]string{}, path...), e.To)}
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, n := range d.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateReachable requires every node be reachable from the single
// entry node (the node with no incoming edge).
func validateReachable(d *Definition) error {
	entry, ok := d.entryNode()
	if !ok {
		return &autoerrors.InvalidRequestError{Field: "nodes", Message: "no entry node found: every node has an incoming edge"}
	}

	visited := map[string]bool{entry.ID: true}
	queue := []string{entry.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range d.outEdges(id) {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	for _, n := range d.Nodes {
		if !visited[n.ID] {
			return &autoerrors.InvalidRequestError{Field: "nodes", Message: fmt.Sprintf("node %q is unreachable from the entry node", n.ID)}
		}
	}
	return nil
}
