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

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/store"
	"github.com/tombee/rundispatch/internal/store/memory"
)

func TestGetRunReturnsADeepCopy(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	run := &store.Run{ID: "r1", TenantID: "t1", Status: store.StatusPending, Inputs: map[string]any{"a": 1}}
	require.NoError(t, b.CreateRun(ctx, run))

	fetched, err := b.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	fetched.Inputs["a"] = 2
	fetched.Status = store.StatusCancelled

	again, err := b.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, 1, again.Inputs["a"])
	require.Equal(t, store.StatusPending, again.Status)
}

func TestGetRunIsTenantScoped(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "r1", TenantID: "t1", Status: store.StatusPending}))

	_, err := b.GetRun(ctx, "t2", "r1")
	require.Error(t, err)
}

func TestConditionalUpdateRunOnlyAppliesWhenStatusMatches(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "r1", TenantID: "t1", Status: store.StatusQueued}))

	rows, err := b.ConditionalUpdateRun(ctx, "t1", "r1", []store.Status{store.StatusRunning}, func(r *store.Run) {
		r.Status = store.StatusSucceeded
	})
	require.NoError(t, err)
	require.Equal(t, 0, rows)

	unchanged, err := b.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, unchanged.Status)

	rows, err = b.ConditionalUpdateRun(ctx, "t1", "r1", []store.Status{store.StatusQueued}, func(r *store.Run) {
		r.Status = store.StatusLeased
	})
	require.NoError(t, err)
	require.Equal(t, 1, rows)
}

func TestListRunsFiltersByStatusAndPaginates(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		status := store.StatusQueued
		if i%2 == 0 {
			status = store.StatusSucceeded
		}
		require.NoError(t, b.CreateRun(ctx, &store.Run{
			ID: string(rune('a' + i)), TenantID: "t1", Status: status,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, total, err := b.ListRuns(ctx, store.RunFilter{TenantID: "t1", Status: []store.Status{store.StatusQueued}})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, runs, 2)

	page, total, err := b.ListRuns(ctx, store.RunFilter{TenantID: "t1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
}

func TestConditionalResolveHitlOnlyResolvesOnce(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	require.NoError(t, b.InsertHitl(ctx, &store.HitlRequest{ID: "h1", TenantID: "t1", RunID: "r1", Status: store.HitlPending}))

	rows, err := b.ConditionalResolveHitl(ctx, "t1", "h1", func(r *store.HitlRequest) { r.Status = store.HitlApproved })
	require.NoError(t, err)
	require.Equal(t, 1, rows)

	rows, err = b.ConditionalResolveHitl(ctx, "t1", "h1", func(r *store.HitlRequest) { r.Status = store.HitlRejected })
	require.NoError(t, err)
	require.Equal(t, 0, rows)

	resolved, err := b.GetHitl(ctx, "t1", "h1")
	require.NoError(t, err)
	require.Equal(t, store.HitlApproved, resolved.Status)
}

func TestGetRunnerByAPIKeyHash(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	require.NoError(t, b.UpsertRunner(ctx, &store.Runner{ID: "run1", TenantID: "t1", APIKeyHash: "hash-abc"}))

	found, err := b.GetRunnerByAPIKeyHash(ctx, "hash-abc")
	require.NoError(t, err)
	require.Equal(t, "run1", found.ID)

	_, err = b.GetRunnerByAPIKeyHash(ctx, "unknown")
	require.Error(t, err)
}

func TestListStaleRunnersOnlyReturnsOnlineRunnersPastCutoff(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, b.UpsertRunner(ctx, &store.Runner{ID: "stale", TenantID: "t1", Status: store.RunnerOnline, LastHeartbeatAt: now.Add(-time.Hour)}))
	require.NoError(t, b.UpsertRunner(ctx, &store.Runner{ID: "fresh", TenantID: "t1", Status: store.RunnerOnline, LastHeartbeatAt: now}))
	require.NoError(t, b.UpsertRunner(ctx, &store.Runner{ID: "offline", TenantID: "t1", Status: store.RunnerOffline, LastHeartbeatAt: now.Add(-time.Hour)}))

	stale, err := b.ListStaleRunners(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "stale", stale[0].ID)
}

func TestQueueClaimRemovesTheEntry(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	require.NoError(t, b.QueueInsert(ctx, &store.QueueEntry{RunID: "r1", TenantID: "t1", EnqueuedAt: time.Now(), AvailableAt: time.Now()}))

	entry, err := b.QueueClaim(ctx, "t1", nil, nil, "runner-1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, entry)

	again, err := b.QueueClaim(ctx, "t1", nil, nil, "runner-1", time.Now())
	require.NoError(t, err)
	require.Nil(t, again)
}
