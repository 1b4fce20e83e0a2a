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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobMiddleware_Success(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewJobMiddleware(logger)

	err := mw.Wrap(&JobEvent{Topic: "escalation", JobID: "job-1", IncidentID: "inc-1"}, func() error {
		return nil
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var start map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &start))
	assert.Equal(t, "job_started", start[EventKey])
	assert.Equal(t, "job-1", start[JobIDKey])

	var done map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &done))
	assert.Equal(t, "job_completed", done[EventKey])
	assert.Equal(t, true, done["success"])
}

func TestJobMiddleware_Failure(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewJobMiddleware(logger)

	err := mw.Wrap(&JobEvent{Topic: "workflow", JobID: "job-2"}, func() error {
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Contains(t, buf.String(), "job_failed")
	assert.Contains(t, buf.String(), "boom")
}
