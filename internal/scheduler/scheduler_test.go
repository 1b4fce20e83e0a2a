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

package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/automation-core/internal/leader"
	"github.com/tombee/automation-core/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_RunsUngatedJobOnInterval(t *testing.T) {
	var runs atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(discardLogger(), Job{
		Name:     "test-job",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}

func TestScheduler_SkipsRunWhenNotLeader(t *testing.T) {
	st, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A second elector holds the lease for this topic throughout, so our
	// scheduler's elector never becomes leader.
	holder := leader.NewElector(leader.Config{Store: st, Topic: "audit-sweep", InstanceID: "holder", LeaseTTL: time.Second})
	holder.Start(ctx)
	defer holder.Stop()
	require.Eventually(t, holder.IsLeader, time.Second, 5*time.Millisecond)

	elector := leader.NewElector(leader.Config{Store: st, Topic: "audit-sweep", InstanceID: "contender", LeaseTTL: time.Second})
	elector.Start(ctx)
	defer elector.Stop()

	var runs atomic.Int64
	s := New(discardLogger(), Job{
		Name:     "audit-sweep",
		Interval: 10 * time.Millisecond,
		Elector:  elector,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), runs.Load())
}
