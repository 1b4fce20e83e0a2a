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

package errors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	autoerrors "github.com/tombee/automation-core/internal/errors"
)

func TestInvalidRequestError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *autoerrors.InvalidRequestError
		wantMsg string
	}{
		{
			name:    "with field",
			err:     &autoerrors.InvalidRequestError{Field: "email", Message: "required field is missing"},
			wantMsg: "invalid request on email: required field is missing",
		},
		{
			name:    "without field",
			err:     &autoerrors.InvalidRequestError{Message: "malformed body"},
			wantMsg: "invalid request: malformed body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
			assert.Equal(t, "invalid_request", tt.err.ErrorType())
			assert.False(t, tt.err.IsRetryable())
			assert.Equal(t, 400, tt.err.HTTPStatus())
		})
	}
}

func TestInvalidTransitionError_Error(t *testing.T) {
	err := &autoerrors.InvalidTransitionError{Resource: "incident", From: "resolved", To: "acknowledged"}
	assert.Equal(t, "invalid transition for incident: resolved -> acknowledged", err.Error())
	assert.Equal(t, 400, err.HTTPStatus())
}

func TestForbiddenError_Error(t *testing.T) {
	err := &autoerrors.ForbiddenError{Reason: "caller lacks team scope"}
	assert.Equal(t, "forbidden: caller lacks team scope", err.Error())
	assert.Equal(t, 403, err.HTTPStatus())
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *autoerrors.NotFoundError
		wantMsg string
	}{
		{
			name:    "workflow not found",
			err:     &autoerrors.NotFoundError{Resource: "workflow", ID: "wf-1"},
			wantMsg: "workflow not found: wf-1",
		},
		{
			name:    "service not found",
			err:     &autoerrors.NotFoundError{Resource: "service", ID: "checkout-api"},
			wantMsg: "service not found: checkout-api",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
			assert.Equal(t, 404, tt.err.HTTPStatus())
		})
	}
}

func TestConflictError_Error(t *testing.T) {
	err := &autoerrors.ConflictError{Resource: "escalation_policy", Reason: "active incidents reference this policy"}
	assert.Contains(t, err.Error(), "escalation_policy")
	assert.Equal(t, 409, err.HTTPStatus())
}

func TestCycleError_Error(t *testing.T) {
	err := &autoerrors.CycleError{Kind: "service_dependency", Path: []string{"a", "b", "a"}}
	assert.Contains(t, err.Error(), "service_dependency")
	assert.Contains(t, err.Error(), "[a b a]")
	assert.Equal(t, 400, err.HTTPStatus())
}

func TestInvalidParametersError_Error(t *testing.T) {
	err := &autoerrors.InvalidParametersError{
		Fields: []autoerrors.FieldError{
			{Field: "severity", Reason: "must be one of sev1,sev2,sev3"},
			{Field: "service_id", Reason: "required"},
		},
	}
	assert.Equal(t, "invalid parameters: 2 field(s) failed validation", err.Error())
	assert.Equal(t, 400, err.HTTPStatus())
}

func TestUpstreamFailureError(t *testing.T) {
	cause := errors.New("404 from webhook target")
	err := &autoerrors.UpstreamFailureError{Target: "https://hooks.example.com/x", Cause: cause}
	assert.Contains(t, err.Error(), "https://hooks.example.com/x")
	assert.Equal(t, cause, err.Unwrap())
	assert.False(t, err.IsRetryable())
}

func TestTransientError(t *testing.T) {
	cause := errors.New("connection reset")
	err := &autoerrors.TransientError{Operation: "enqueue", Cause: cause}
	assert.Contains(t, err.Error(), "enqueue")
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, err.IsRetryable())
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *autoerrors.ConfigError
		wantMsg string
	}{
		{
			name:    "with key",
			err:     &autoerrors.ConfigError{Key: "queue.dsn", Reason: "missing"},
			wantMsg: "config error at queue.dsn: missing",
		},
		{
			name:    "without key",
			err:     &autoerrors.ConfigError{Reason: "file not found"},
			wantMsg: "config error: file not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &autoerrors.ConfigError{Key: "config", Reason: "failed to load", Cause: cause}
	assert.Equal(t, cause, err.Unwrap())
}

func TestTimeoutError_Error(t *testing.T) {
	err := &autoerrors.TimeoutError{Operation: "webhook call", Duration: 30 * time.Second}
	assert.Contains(t, err.Error(), "webhook call")
	assert.Contains(t, err.Error(), "30s")
	assert.True(t, err.IsRetryable())
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &autoerrors.TimeoutError{Operation: "test", Duration: 5 * time.Second, Cause: cause}
	assert.Equal(t, cause, err.Unwrap())
}

func TestErrorWrapping(t *testing.T) {
	t.Run("InvalidRequestError can be wrapped", func(t *testing.T) {
		original := &autoerrors.InvalidRequestError{Field: "email", Message: "invalid format"}
		wrapped := fmt.Errorf("creating incident: %w", original)

		var target *autoerrors.InvalidRequestError
		require := assert.New(t)
		require.True(errors.As(wrapped, &target))
		require.Equal("email", target.Field)
	})

	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &autoerrors.NotFoundError{Resource: "workflow", ID: "wf-1"}
		wrapped := fmt.Errorf("loading workflow: %w", original)

		var target *autoerrors.NotFoundError
		assert.True(t, errors.As(wrapped, &target))
		assert.Equal(t, "workflow", target.Resource)
	})

	t.Run("UpstreamFailureError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("network timeout")
		upstreamErr := &autoerrors.UpstreamFailureError{Target: "https://hooks.example.com", Cause: rootCause}
		wrapped := fmt.Errorf("executing webhook node: %w", upstreamErr)

		var target *autoerrors.UpstreamFailureError
		assert.True(t, errors.As(wrapped, &target))
		assert.Equal(t, rootCause, target.Unwrap())
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &autoerrors.ConfigError{Key: "queue.dsn", Reason: "missing required field", Cause: rootCause}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *autoerrors.ConfigError
		assert.True(t, errors.As(wrapped, &target))
		assert.Equal(t, rootCause, target.Unwrap())
	})
}

func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped InvalidRequestError", func(t *testing.T) {
		original := &autoerrors.InvalidRequestError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)
		assert.True(t, errors.Is(wrapped, original))
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &autoerrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)
		assert.True(t, errors.Is(wrapped, original))
	})
}
