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

package errors

import (
	"fmt"
	"time"
)

// InvalidRequestError represents malformed or missing-field input on an
// API call. Surface: HTTP 400, no side effect performed.
type InvalidRequestError struct {
	Field   string
	Message string
}

func (e *InvalidRequestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid request on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid request: %s", e.Message)
}

func (e *InvalidRequestError) ErrorType() string { return "invalid_request" }
func (e *InvalidRequestError) IsRetryable() bool  { return false }
func (e *InvalidRequestError) HTTPStatus() int    { return 400 }

// InvalidTransitionError represents an illegal state transition, e.g.
// resolving an already-closed incident or re-running a completed
// workflow execution.
type InvalidTransitionError struct {
	Resource string
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Resource, e.From, e.To)
}

func (e *InvalidTransitionError) ErrorType() string { return "invalid_transition" }
func (e *InvalidTransitionError) IsRetryable() bool  { return false }
func (e *InvalidTransitionError) HTTPStatus() int    { return 400 }

// ForbiddenError represents an authorization failure, e.g. a caller
// acting outside the scope their credentials grant.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

func (e *ForbiddenError) ErrorType() string { return "forbidden" }
func (e *ForbiddenError) IsRetryable() bool  { return false }
func (e *ForbiddenError) HTTPStatus() int    { return 403 }

// NotFoundError represents a reference to an unknown resource.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "incident", "workflow", "service")
	Resource string

	// ID is the identifier that was not found
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorType() string { return "not_found" }
func (e *NotFoundError) IsRetryable() bool  { return false }
func (e *NotFoundError) HTTPStatus() int    { return 404 }

// ConflictError represents a request that collides with current state,
// e.g. deleting a policy with active incidents attached, or registering
// a duplicate routing key.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

func (e *ConflictError) ErrorType() string { return "conflict" }
func (e *ConflictError) IsRetryable() bool  { return false }
func (e *ConflictError) HTTPStatus() int    { return 409 }

// CycleError represents a rejected cycle, either in the service
// dependency graph or in a workflow definition's node graph.
type CycleError struct {
	// Kind identifies which graph rejected the cycle: "service_dependency"
	// or "workflow_graph".
	Kind string
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected (%s): %v", e.Kind, e.Path)
}

func (e *CycleError) ErrorType() string { return "cycle" }
func (e *CycleError) IsRetryable() bool  { return false }
func (e *CycleError) HTTPStatus() int    { return 400 }

// FieldError is a single field validation failure, collected into
// InvalidParametersError so every failing field is reported at once
// instead of one at a time.
type FieldError struct {
	Field  string
	Reason string
}

// InvalidParametersError represents a runbook or workflow node parameter
// set that failed its declared schema (type, required, enum) validation.
type InvalidParametersError struct {
	Fields []FieldError
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("invalid parameters: %d field(s) failed validation", len(e.Fields))
}

func (e *InvalidParametersError) ErrorType() string { return "invalid_parameters" }
func (e *InvalidParametersError) IsRetryable() bool  { return false }
func (e *InvalidParametersError) HTTPStatus() int    { return 400 }

// UpstreamFailureError represents a non-retriable outbound call failure,
// such as a 4xx response from a webhook target. It is never surfaced to
// a caller directly — it is captured into the execution record and the
// execution is marked failed.
type UpstreamFailureError struct {
	Target string
	Cause  error
}

func (e *UpstreamFailureError) Error() string {
	return fmt.Sprintf("upstream failure calling %s: %v", e.Target, e.Cause)
}

func (e *UpstreamFailureError) Unwrap() error     { return e.Cause }
func (e *UpstreamFailureError) ErrorType() string { return "upstream_failure" }
func (e *UpstreamFailureError) IsRetryable() bool  { return false }

// TransientError represents a retryable blip — connection reset,
// database busy, 5xx or 429 from an outbound call. A worker returning a
// TransientError tells the queue to schedule a retry with backoff
// rather than marking the job permanently failed.
type TransientError struct {
	Operation string
	Cause     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Operation, e.Cause)
}

func (e *TransientError) Unwrap() error     { return e.Cause }
func (e *TransientError) ErrorType() string { return "transient" }
func (e *TransientError) IsRetryable() bool  { return true }

// ConfigError represents configuration problems at startup: missing
// settings, unparsable DSNs, invalid env values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "queue.dsn")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// TimeoutError represents an operation that exceeded its configured
// deadline, e.g. an outbound webhook call or a workflow node execution.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error     { return e.Cause }
func (e *TimeoutError) ErrorType() string { return "transient" }
func (e *TimeoutError) IsRetryable() bool  { return true }
