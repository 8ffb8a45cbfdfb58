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

package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/store"
	"github.com/tombee/rundispatch/internal/store/sqlite"
)

func newTestBackend(t *testing.T) *sqlite.Backend {
	t.Helper()
	b, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestCreateAndGetRunRoundTrips(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	run := &store.Run{
		ID: "r1", TenantID: "t1", BotID: "bot-1", Status: store.StatusPending,
		TriggerType: store.TriggerManual, Selector: store.Selector{Labels: map[string]string{"region": "us"}},
		Inputs: map[string]any{"x": float64(1)}, Retry: store.RetryPolicy{MaxRetries: 3, DelaySeconds: 5, BackoffMultiplier: 2, MaxDelaySeconds: 60},
		CreatedAt: time.Now().Truncate(time.Second),
	}
	require.NoError(t, b.CreateRun(ctx, run))

	got, err := b.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status)
	require.Equal(t, "us", got.Selector.Labels["region"])
	require.Equal(t, float64(1), got.Inputs["x"])
	require.Equal(t, 3, got.Retry.MaxRetries)
}

func TestGetRunNotFoundReturnsNotFoundError(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.GetRun(context.Background(), "t1", "missing")
	require.Error(t, err)
}

func TestConditionalUpdateRunOnlyAppliesWhenStatusMatches(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "r1", TenantID: "t1", Status: store.StatusPending, CreatedAt: time.Now()}))

	n, err := b.ConditionalUpdateRun(ctx, "t1", "r1", []store.Status{store.StatusQueued}, func(r *store.Run) {
		r.Status = store.StatusRunning
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = b.ConditionalUpdateRun(ctx, "t1", "r1", []store.Status{store.StatusPending}, func(r *store.Run) {
		r.Status = store.StatusQueued
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := b.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, got.Status)
}

func TestListRunsFiltersByStatusAndPaginates(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		status := store.StatusPending
		if i == 1 {
			status = store.StatusRunning
		}
		require.NoError(t, b.CreateRun(ctx, &store.Run{
			ID: string(rune('a' + i)), TenantID: "t1", Status: status, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	runs, total, err := b.ListRuns(ctx, store.RunFilter{TenantID: "t1", Status: []store.Status{store.StatusPending}})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, runs, 2)

	page, total, err := b.ListRuns(ctx, store.RunFilter{TenantID: "t1", Limit: 1, Offset: 0})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page, 1)
}

func TestQueueInsertClaimAndRemove(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.QueueInsert(ctx, &store.QueueEntry{
		RunID: "r1", TenantID: "t1", Priority: 5, EnqueuedAt: time.Now(), AvailableAt: time.Now(),
		Selector: store.Selector{Capabilities: []string{"gpu"}},
	}))

	n, err := b.QueueLen(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entry, err := b.QueueClaim(ctx, "t1", nil, []string{"gpu"}, "runner-1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "r1", entry.RunID)

	n, err = b.QueueLen(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestQueueClaimSkipsEntriesWithoutRequiredCapability(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.QueueInsert(ctx, &store.QueueEntry{
		RunID: "r1", TenantID: "t1", Priority: 5, EnqueuedAt: time.Now(), AvailableAt: time.Now(),
		Selector: store.Selector{Capabilities: []string{"gpu"}},
	}))

	entry, err := b.QueueClaim(ctx, "t1", nil, []string{"cpu"}, "runner-1", time.Now())
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestUpsertAndGetRunnerByAPIKeyHash(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.UpsertRunner(ctx, &store.Runner{
		ID: "runner-1", TenantID: "t1", Name: "worker", APIKeyHash: "hash-1",
		Status: store.RunnerOnline, Capabilities: []string{"gpu"}, MaxConcurrentJobs: 4,
		LastHeartbeatAt: time.Now(),
	}))

	r, err := b.GetRunnerByAPIKeyHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, "runner-1", r.ID)
	require.Equal(t, []string{"gpu"}, r.Capabilities)
}

func TestListStaleRunnersOnlyReturnsOnlineRunnersPastCutoff(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, b.UpsertRunner(ctx, &store.Runner{
		ID: "r1", TenantID: "t1", APIKeyHash: "h1", Status: store.RunnerOnline, LastHeartbeatAt: stale,
	}))
	require.NoError(t, b.UpsertRunner(ctx, &store.Runner{
		ID: "r2", TenantID: "t1", APIKeyHash: "h2", Status: store.RunnerOffline, LastHeartbeatAt: stale,
	}))

	stale2, err := b.ListStaleRunners(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, stale2, 1)
	require.Equal(t, "r1", stale2[0].ID)
}

func TestConditionalResolveHitlOnlyResolvesOnce(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.InsertHitl(ctx, &store.HitlRequest{
		ID: "h1", RunID: "r1", TenantID: "t1", Status: store.HitlPending,
		AllowedActions: []store.HitlAction{store.HitlActionApprove},
	}))

	n, err := b.ConditionalResolveHitl(ctx, "t1", "h1", func(req *store.HitlRequest) {
		req.Status = store.HitlApproved
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = b.ConditionalResolveHitl(ctx, "t1", "h1", func(req *store.HitlRequest) {
		req.Status = store.HitlApproved
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestInsertAndListEvents(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.InsertEvent(ctx, &store.RunEvent{
		ID: "e1", RunID: "r1", TenantID: "t1", EventType: store.EventRunQueued, Timestamp: time.Now(),
	}))

	events, total, err := b.ListEvents(ctx, store.EventFilter{TenantID: "t1", RunID: "r1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, events, 1)
}

func TestInsertAndListLogs(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.InsertLog(ctx, &store.RunLog{
		ID: "l1", RunID: "r1", Level: store.LogInfo, Message: "hello", Timestamp: time.Now(),
	}))

	logs, total, err := b.ListLogs(ctx, store.LogFilter{TenantID: "t1", RunID: "r1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "hello", logs[0].Message)
}
