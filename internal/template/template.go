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

// Package template renders `{{.path.to.field}}` strings against a fixed
// incident/assignee/team/workflow context through a closed whitelist of
// helpers. There is no dynamic helper registration and no arbitrary
// expression evaluation: the helper set below is the entire surface,
// by design — treat templates as user-authored configuration that must
// stay safe across tenants, not as a scripting language.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	autoerrors "github.com/tombee/automation-core/internal/errors"
)

// Context is the fixed shape bound into every template. Fields are
// exposed as map[string]any so author-facing paths read as
// {{.incident.id}}, {{.assignee.email}}, {{.team}}, {{.workflow.name}}.
// Paths use text/template syntax and start with a dot: a bare
// {{incident.id}} parses as a call to an unknown helper and fails.
// Params carries a runbook execution's validated parameters, the
// {params, incident?} context a runbook's URL/header/body fields
// interpolate against; it is nil for escalation/workflow notification
// rendering, which has no params of its own.
type Context struct {
	Incident map[string]any
	Assignee map[string]any // nil when the incident has no assignee
	Team     string
	Workflow map[string]any
	Params   map[string]any
}

func (c Context) toMap() map[string]any {
	return map[string]any{
		"incident": c.Incident,
		"assignee": c.Assignee,
		"team":     c.Team,
		"workflow": c.Workflow,
		"params":   c.Params,
	}
}

// funcMap is the closed helper whitelist named in full: uppercase,
// lowercase, json, shortId, dateFormat, default. Nothing else is
// registered, ever — adding a helper here is a deliberate, reviewed
// change to the sandbox's surface, not something templates can do for
// themselves.
func funcMap() template.FuncMap {
	return template.FuncMap{
		"uppercase":  uppercase,
		"lowercase":  lowercase,
		"json":       toJSON,
		"shortId":    shortID,
		"dateFormat": dateFormat,
		"default":    defaultValue,
	}
}

// Render executes tmplStr against ctx. A reference to an undefined
// field renders as Go's template zero value ("<no value>") rather than
// failing, matching text/template's own missingkey behavior — callers
// that need strictness should run Validate first.
func Render(tmplStr string, ctx Context) (string, error) {
	t, err := template.New("automation").Funcs(funcMap()).Parse(tmplStr)
	if err != nil {
		return "", &autoerrors.InvalidRequestError{Field: "template", Message: err.Error()}
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx.toMap()); err != nil {
		return "", &autoerrors.InvalidRequestError{Field: "template", Message: err.Error()}
	}
	return buf.String(), nil
}

// Validate parses tmplStr without executing it, the pre-check run at
// workflow-save time (spec: "a failure is a validation error"). This
// catches syntax errors and references to helpers outside the
// whitelist; it cannot catch an undefined field path, since text/template
// resolves paths against the live data at execution time, not at parse
// time.
func Validate(tmplStr string) error {
	if _, err := template.New("automation").Funcs(funcMap()).Parse(tmplStr); err != nil {
		return &autoerrors.InvalidRequestError{Field: "template", Message: err.Error()}
	}
	return nil
}

// toJSON serializes v as compact JSON, e.g. {{json .incident.metadata}}.
func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json: %w", err)
	}
	return string(data), nil
}

func uppercase(v any) string { return upperASCII(toString(v)) }
func lowercase(v any) string { return lowerASCII(toString(v)) }

func upperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// shortID returns the last 6 characters of v, useful for compact
// incident/execution references in notification text. Values shorter
// than 6 characters are returned unchanged.
func shortID(v any) string {
	s := toString(v)
	if len(s) <= 6 {
		return s
	}
	return s[len(s)-6:]
}

// dateFormat renders value (a time.Time, RFC3339 string, or anything
// stringable) using a Go reference-time layout, e.g.
// {{dateFormat .incident.createdAt "2006-01-02 15:04"}}.
func dateFormat(value any, layout string) (string, error) {
	switch v := value.(type) {
	case time.Time:
		return v.Format(layout), nil
	case *time.Time:
		if v == nil {
			return "", nil
		}
		return v.Format(layout), nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return "", fmt.Errorf("dateFormat: %q is not an RFC3339 timestamp: %w", v, err)
		}
		return t.Format(layout), nil
	default:
		return "", fmt.Errorf("dateFormat: unsupported value type %T", value)
	}
}

// defaultValue returns fallback when value is nil, a nil map (such as
// an absent assignee), or an empty string, otherwise value itself.
func defaultValue(value, fallback any) any {
	if value == nil {
		return fallback
	}
	if m, ok := value.(map[string]any); ok && m == nil {
		return fallback
	}
	if s, ok := value.(string); ok && s == "" {
		return fallback
	}
	return value
}
