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
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, os.Stderr, cfg.Output)
	assert.False(t, cfg.AddSource)
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected *Config
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			expected: &Config{Level: "info", Format: FormatJSON, AddSource: false},
		},
		{
			name:     "LOG_LEVEL=debug",
			envVars:  map[string]string{"LOG_LEVEL": "debug"},
			expected: &Config{Level: "debug", Format: FormatJSON, AddSource: false},
		},
		{
			name:     "LOG_FORMAT=text",
			envVars:  map[string]string{"LOG_FORMAT": "text"},
			expected: &Config{Level: "info", Format: FormatText, AddSource: false},
		},
		{
			name:     "LOG_SOURCE=1",
			envVars:  map[string]string{"LOG_SOURCE": "1"},
			expected: &Config{Level: "info", Format: FormatJSON, AddSource: true},
		},
		{
			name:     "AUTOMATION_DEBUG wins over LOG_LEVEL",
			envVars:  map[string]string{"AUTOMATION_DEBUG": "1", "LOG_LEVEL": "error"},
			expected: &Config{Level: "debug", Format: FormatJSON, AddSource: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer func() {
				for _, k := range []string{"LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE", "AUTOMATION_DEBUG", "AUTOMATION_LOG_LEVEL"} {
					os.Unsetenv(k)
				}
			}()

			cfg := FromEnv()
			assert.Equal(t, tt.expected.Level, cfg.Level)
			assert.Equal(t, tt.expected.Format, cfg.Format)
			assert.Equal(t, tt.expected.AddSource, cfg.AddSource)
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger.Info("test message", "key", "value")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"trace", LevelTrace},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func TestWithJobContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithJobContext(logger, "escalation", "job-1").Info("picked up")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "escalation", entry[TopicKey])
	assert.Equal(t, "job-1", entry[JobIDKey])
}

func TestWithIncidentContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithIncidentContext(logger, "inc-1").Info("transition")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "inc-1", entry[IncidentIDKey])
}

func TestWithExecutionContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithExecutionContext(logger, "exec-1", "wf-1").Info("node completed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "exec-1", entry[ExecutionIDKey])
	assert.Equal(t, "wf-1", entry[WorkflowIDKey])
}

func TestAttrHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("test message",
		String("string_key", "string_value"),
		Int("int_key", 42),
		Int64("int64_key", int64(123)),
		Bool("bool_key", true),
		Duration("duration_key", 1500),
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "string_value", entry["string_key"])
	assert.Equal(t, float64(42), entry["int_key"])
	assert.Equal(t, float64(123), entry["int64_key"])
	assert.Equal(t, true, entry["bool_key"])
	assert.Equal(t, float64(1500), entry["duration_key_ms"])
}

func TestErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "error", Format: FormatJSON, Output: &buf})
	testErr := errors.New("boom")
	logger.Error("failed", Error(testErr))
	assert.Contains(t, buf.String(), "boom")
}

func TestNilConfig(t *testing.T) {
	assert.NotNil(t, New(nil))
}

func TestSanitizeAPIKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"sk-1234567890abcdef", "...cdef"},
		{"abc", "[REDACTED]"},
		{"abcd", "[REDACTED]"},
		{"", "[REDACTED]"},
		{"abcde", "...bcde"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, SanitizeAPIKey(tt.input))
	}
}

func TestSanitizeSecret(t *testing.T) {
	assert.Equal(t, "[REDACTED]", SanitizeSecret("super-secret"))
	assert.False(t, strings.Contains(SanitizeSecret("super-secret"), "super-secret"))
}
