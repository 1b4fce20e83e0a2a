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

package escalation

import (
	"context"
	"fmt"

	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/store"
)

const (
	maxLevels              = 10
	minRepeatCount         = 0
	maxRepeatCount         = 9
	minSingleTargetTimeout = 1
	minTeamTargetTimeout   = 3
)

// ValidatePolicy checks the invariants required at create/update time:
// contiguous 1..N level numbers, per-target-kind minimum timeouts, a
// repeat count in [0,9], and a level count capped at 10.
func ValidatePolicy(policy *store.EscalationPolicy) error {
	if len(policy.Levels) == 0 {
		return &autoerrors.InvalidRequestError{Field: "levels", Message: "policy must have at least one level"}
	}
	if len(policy.Levels) > maxLevels {
		return &autoerrors.InvalidRequestError{Field: "levels", Message: fmt.Sprintf("policy has %d levels, max is %d", len(policy.Levels), maxLevels)}
	}
	if policy.RepeatCount < minRepeatCount || policy.RepeatCount > maxRepeatCount {
		return &autoerrors.InvalidRequestError{Field: "repeatCount", Message: fmt.Sprintf("repeat count must be in [%d,%d]", minRepeatCount, maxRepeatCount)}
	}

	seen := make(map[int]bool, len(policy.Levels))
	for _, level := range policy.Levels {
		seen[level.LevelNumber] = true

		switch level.TargetKind {
		case TargetEntireTeam:
			if level.TimeoutMinutes < minTeamTargetTimeout {
				return &autoerrors.InvalidRequestError{Field: "levels.timeoutMinutes",
					Message: fmt.Sprintf("level %d: entire_team timeout must be >= %d minutes", level.LevelNumber, minTeamTargetTimeout)}
			}
		case TargetUser, TargetSchedule:
			if level.TimeoutMinutes < minSingleTargetTimeout {
				return &autoerrors.InvalidRequestError{Field: "levels.timeoutMinutes",
					Message: fmt.Sprintf("level %d: single-target timeout must be >= %d minute", level.LevelNumber, minSingleTargetTimeout)}
			}
			if level.TargetID == "" {
				return &autoerrors.InvalidRequestError{Field: "levels.targetId",
					Message: fmt.Sprintf("level %d: targetId is required for target kind %s", level.LevelNumber, level.TargetKind)}
			}
		default:
			return &autoerrors.InvalidRequestError{Field: "levels.targetKind",
				Message: fmt.Sprintf("level %d: unknown target kind %q", level.LevelNumber, level.TargetKind)}
		}
	}
	for n := 1; n <= len(policy.Levels); n++ {
		if !seen[n] {
			return &autoerrors.InvalidRequestError{Field: "levels.levelNumber",
				Message: fmt.Sprintf("level numbers must form 1..%d with no gaps, missing %d", len(policy.Levels), n)}
		}
	}
	return nil
}

// CreatePolicy validates policy and persists it, atomically clearing
// any existing default for the team when policy.IsDefault is set (the
// atomic-clear itself is store.CreateEscalationPolicy's job; this
// layer only adds the authoring-time invariant check the store
// doesn't know about).
func CreatePolicy(ctx context.Context, s *store.Store, policy *store.EscalationPolicy) error {
	if err := ValidatePolicy(policy); err != nil {
		return err
	}
	return s.CreateEscalationPolicy(ctx, policy)
}

// DeletePolicy removes policyID, refusing while any OPEN or
// ACKNOWLEDGED incident still references it.
func DeletePolicy(ctx context.Context, s *store.Store, policyID string) error {
	count, err := s.CountActiveIncidentsForPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if count > 0 {
		return &autoerrors.ConflictError{Resource: "escalation_policy",
			Reason: fmt.Sprintf("%d active incident(s) still reference this policy", count)}
	}
	return s.DeleteEscalationPolicy(ctx, policyID)
}
