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

// Package workflow matches incident lifecycle events against
// node-graph workflow definitions, snapshots them, and interprets the
// graph one node at a time against a durable job queue.
package workflow

import "time"

// TriggerKind is one of the five ways a workflow can be started.
type TriggerKind string

const (
	TriggerIncidentCreated TriggerKind = "incident_created"
	TriggerStateChanged    TriggerKind = "state_changed"
	TriggerEscalation      TriggerKind = "escalation"
	TriggerManual          TriggerKind = "manual"
	TriggerAge             TriggerKind = "age"
)

// NodeKind is one of the three node kinds in a workflow graph.
type NodeKind string

const (
	NodeAction    NodeKind = "action"
	NodeCondition NodeKind = "condition"
	NodeDelay     NodeKind = "delay"
)

// ActionKind is one of the three supported action node kinds.
type ActionKind string

const (
	ActionWebhook ActionKind = "webhook"
	ActionJira    ActionKind = "jira"
	ActionLinear  ActionKind = "linear"
)

// Condition is one {field, value} string-equality test evaluated
// against a dotted path into the incident (e.g. "metadata.service").
// A trigger's Conditions are a conjunction: all must match.
type Condition struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Trigger configures how a workflow is started. Exactly one Kind is
// set per workflow; From/To/AgeThresholdMinutes apply only to their
// respective kinds and are ignored otherwise.
type Trigger struct {
	Kind                TriggerKind `json:"kind"`
	From                string      `json:"from,omitempty"` // state_changed
	To                  string      `json:"to,omitempty"`   // state_changed
	AgeThresholdMinutes int         `json:"ageThresholdMinutes,omitempty"`
	Conditions          []Condition `json:"conditions,omitempty"`
}

// RetryConfig controls a webhook action's delivery attempts.
type RetryConfig struct {
	Attempts       int    `json:"attempts"`
	Backoff        string `json:"backoff"` // only "exponential" is supported
	InitialDelayMs int    `json:"initialDelayMs"`
}

// AuthConfig mirrors httpclient.Auth for the subset of fields a
// workflow author can specify on a webhook node.
type AuthConfig struct {
	Type         string `json:"type"` // none | bearer | basic | oauth2 | custom
	Token        string `json:"token,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	TokenURL     string `json:"tokenUrl,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// WebhookAction is the config for an ActionWebhook node.
type WebhookAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"` // POST | PUT | PATCH
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Auth    AuthConfig        `json:"auth,omitempty"`
	Retry   RetryConfig       `json:"retry,omitempty"`
}

// JiraAction is the config for an ActionJira node.
type JiraAction struct {
	ProjectKey  string   `json:"projectKey"`
	IssueType   string   `json:"issueType"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Priority    string   `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// LinearAction is the config for an ActionLinear node.
type LinearAction struct {
	TeamID      string `json:"teamId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority"` // 0..4
}

// Node is one vertex of a workflow's graph. Exactly one of the
// *Action fields is set when Kind == NodeAction; ConditionField/Value
// are set when Kind == NodeCondition; DelayMinutes is set when
// Kind == NodeDelay.
type Node struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Kind NodeKind `json:"kind"`

	Action ActionKind `json:"action,omitempty"`

	Webhook *WebhookAction `json:"webhook,omitempty"`
	Jira    *JiraAction    `json:"jira,omitempty"`
	Linear  *LinearAction  `json:"linear,omitempty"`

	ConditionField string `json:"conditionField,omitempty"`
	ConditionValue string `json:"conditionValue,omitempty"`

	DelayMinutes int `json:"delayMinutes,omitempty"`
}

// Edge connects two nodes. SourceHandle distinguishes a condition
// node's two outgoing edges ("true"/"false"); it is empty for every
// other node's single outgoing edge.
type Edge struct {
	From         string `json:"from"`
	To           string `json:"to"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Definition is the authored shape of a workflow: its trigger and the
// node graph (scope and team live on store.WorkflowVersion). Definition is
// versioned immutably — an update creates a new store.WorkflowVersion
// row rather than mutating one in place — and every execution reads a
// deep-copied JSON snapshot of it rather than the live row, so an edit
// mid-flight never changes a running execution's behavior.
type Definition struct {
	Trigger Trigger `json:"trigger"`
	Nodes   []Node  `json:"nodes"`
	Edges   []Edge  `json:"edges"`
}

// nodeByID is a small lookup helper used by both validation and
// interpretation.
func (d *Definition) nodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// outEdges returns every edge whose From matches id, in definition
// order.
func (d *Definition) outEdges(id string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// entryNode returns the single root node: the one with no incoming
// edge. Validate guarantees there is exactly one.
func (d *Definition) entryNode() (*Node, bool) {
	hasIncoming := make(map[string]bool, len(d.Nodes))
	for _, e := range d.Edges {
		hasIncoming[e.To] = true
	}
	for i := range d.Nodes {
		if !hasIncoming[d.Nodes[i].ID] {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// ExecutionChainEntry is one hop recorded in an execution's
// cross-workflow cycle guard.
type ExecutionChainEntry struct {
	WorkflowID string    `json:"workflowId"`
	AddedAt    time.Time `json:"addedAt"`
}
