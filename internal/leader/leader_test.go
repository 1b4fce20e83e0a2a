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

package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/automation-core/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestElector_SingleInstanceAcquiresLeadership(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes []bool
	e := NewElector(Config{Store: s, Topic: "age-poller", InstanceID: "a", LeaseTTL: 50 * time.Millisecond})
	e.OnLeadershipChange(func(isLeader bool) { changes = append(changes, isLeader) })
	e.Start(ctx)
	defer e.Stop()

	require.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, changes)
}

func TestElector_SecondInstanceCannotAcquireWhileFirstHolds(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewElector(Config{Store: s, Topic: "age-poller", InstanceID: "a", LeaseTTL: 200 * time.Millisecond})
	a.Start(ctx)
	defer a.Stop()
	require.Eventually(t, a.IsLeader, time.Second, 5*time.Millisecond)

	b := NewElector(Config{Store: s, Topic: "age-poller", InstanceID: "b", LeaseTTL: 200 * time.Millisecond})
	b.Start(ctx)
	defer b.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, b.IsLeader())
	assert.True(t, a.IsLeader())
}

func TestElector_ReleaseOnStopAllowsTakeover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := NewElector(Config{Store: s, Topic: "audit-sweep", InstanceID: "a", LeaseTTL: 50 * time.Millisecond})
	aCtx, aCancel := context.WithCancel(ctx)
	a.Start(aCtx)
	require.Eventually(t, a.IsLeader, time.Second, 5*time.Millisecond)
	a.Stop()
	aCancel()

	b := NewElector(Config{Store: s, Topic: "audit-sweep", InstanceID: "b", LeaseTTL: 50 * time.Millisecond})
	bCtx, bCancel := context.WithCancel(ctx)
	defer bCancel()
	b.Start(bCtx)
	defer b.Stop()

	require.Eventually(t, b.IsLeader, time.Second, 5*time.Millisecond)
}
