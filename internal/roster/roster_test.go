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

package roster

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFile = `
schedules:
  primary-oncall:
    users: ["alice", "bob", "carol"]
    on_call_index: 1
teams:
  payments:
    - alice
    - dave
`

func writeRoster(t *testing.T) *Roster {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testFile), 0o600))
	r, err := Load(path)
	require.NoError(t, err)
	return r
}

func TestRoster_ResolveScheduleOnCall_ReturnsCurrentIndex(t *testing.T) {
	r := writeRoster(t)
	target, err := r.ResolveScheduleOnCall(context.Background(), "primary-oncall")
	require.NoError(t, err)
	assert.Equal(t, "bob", target.ID)
}

func TestRoster_ResolveScheduleOnCall_UnknownScheduleErrors(t *testing.T) {
	r := writeRoster(t)
	_, err := r.ResolveScheduleOnCall(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRoster_ResolveTeamResponders_ReturnsAllMembers(t *testing.T) {
	r := writeRoster(t)
	targets, err := r.ResolveTeamResponders(context.Background(), "payments")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "alice", targets[0].ID)
	assert.Equal(t, "dave", targets[1].ID)
}

func TestRoster_ResolveUser_PassesThroughID(t *testing.T) {
	r := writeRoster(t)
	target, err := r.ResolveUser(context.Background(), "user-42")
	require.NoError(t, err)
	assert.Equal(t, "user-42", target.ID)
}
