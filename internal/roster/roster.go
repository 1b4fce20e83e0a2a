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

// Package roster implements escalation.Resolver against a static YAML
// file of users, schedules, and team rosters. It stands in for the
// on-call identity system escalation.Resolver documents as external to
// that module: a real deployment points this at a generated snapshot
// of PagerDuty/Opsgenie-style schedule data, or is replaced outright
// with an adapter against that system's API.
package roster

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tombee/automation-core/internal/escalation"
)

// Schedule is one rotation: a list of user IDs and the index
// currently on call. A real roster system would compute this from
// rotation start time and shift length; here it is precomputed into
// the file and read when the roster is loaded.
type Schedule struct {
	Users  []string `yaml:"users"`
	OnCall int      `yaml:"on_call_index"`
}

// File is the on-disk shape of the roster YAML file.
type File struct {
	Schedules map[string]Schedule `yaml:"schedules"`
	Teams     map[string][]string `yaml:"teams"`
}

// Roster resolves escalation.Target values from a YAML file loaded
// once at construction. It does not watch the file for changes; the
// daemon restarts to pick up a new roster, same as any other config.
type Roster struct {
	mu   sync.RWMutex
	file File
}

var _ escalation.Resolver = (*Roster)(nil)

// Empty returns a Roster with no schedules or teams configured.
// User-kind levels still resolve (ResolveUser does not consult the
// file); schedule and team levels fail with a descriptive error.
func Empty() *Roster {
	return &Roster{file: File{Schedules: map[string]Schedule{}, Teams: map[string][]string{}}}
}

// Load reads and parses a roster file from path.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roster file: %w", err)
	}
	return &Roster{file: f}, nil
}

// ResolveUser returns the target verbatim: userID is already a
// resolvable identity in the upstream system, this layer does not
// validate it exists.
func (r *Roster) ResolveUser(ctx context.Context, userID string) (escalation.Target, error) {
	return escalation.Target{Kind: escalation.TargetUser, ID: userID}, nil
}

// ResolveScheduleOnCall returns the user currently on call for a
// named schedule.
func (r *Roster) ResolveScheduleOnCall(ctx context.Context, scheduleID string) (escalation.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sched, ok := r.file.Schedules[scheduleID]
	if !ok || len(sched.Users) == 0 {
		return escalation.Target{}, fmt.Errorf("roster: schedule %q not found or empty", scheduleID)
	}
	idx := sched.OnCall % len(sched.Users)
	if idx < 0 {
		idx += len(sched.Users)
	}
	return escalation.Target{Kind: escalation.TargetUser, ID: sched.Users[idx]}, nil
}

// ResolveTeamResponders returns every member of a named team.
func (r *Roster) ResolveTeamResponders(ctx context.Context, team string) ([]escalation.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.file.Teams[team]
	if !ok {
		return nil, fmt.Errorf("roster: team %q not found", team)
	}
	targets := make([]escalation.Target, 0, len(members))
	for _, m := range members {
		targets = append(targets, escalation.Target{Kind: escalation.TargetUser, ID: m})
	}
	return targets, nil
}
