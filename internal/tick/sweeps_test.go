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

package tick

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/engine"
	"github.com/tombee/rundispatch/internal/eventbus"
	"github.com/tombee/rundispatch/internal/queue"
	"github.com/tombee/rundispatch/internal/registry"
	"github.com/tombee/rundispatch/internal/store"
	"github.com/tombee/rundispatch/internal/store/memory"
)

type noopResolver struct{}

func (noopResolver) Resolve(context.Context, string, string, string) (engine.BotVersion, error) {
	return engine.BotVersion{ID: "v1", Status: "PUBLISHED", PlanHash: "h1"}, nil
}

func newTestTicker(t *testing.T) (*Ticker, store.Backend, *engine.Engine) {
	t.Helper()
	backend := memory.New()
	bus := eventbus.New(16, func(string) {})
	q := queue.New(backend)
	eng := engine.New(backend, q, bus, noopResolver{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg := registry.New()
	tk := New(backend, eng, reg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return tk, backend, eng
}

func TestPromoteRetriesReEnqueuesDueRuns(t *testing.T) {
	tk, backend, _ := newTestTicker(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	require.NoError(t, backend.CreateRun(ctx, &store.Run{
		ID: "r1", TenantID: "t1", Status: store.StatusRetryScheduled, NextRetryAt: &past, RetryCount: 0,
		Selector: store.Selector{}, CreatedAt: time.Now(),
	}))

	require.NoError(t, tk.promoteRetries(ctx, time.Now()))

	run, err := backend.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, run.Status)
	require.Equal(t, 1, run.RetryCount, "promoting out of RETRY_SCHEDULED advances retryCount")

	qLen, err := backend.QueueLen(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, qLen)
}

func TestSweepTimeoutsMovesExpiredRunsToTimedOut(t *testing.T) {
	tk, backend, _ := newTestTicker(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	require.NoError(t, backend.CreateRun(ctx, &store.Run{
		ID: "r1", TenantID: "t1", Status: store.StatusRunning, TimeoutAt: past, CreatedAt: time.Now(),
	}))

	require.NoError(t, tk.sweepTimeouts(ctx, time.Now()))

	run, err := backend.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusTimedOut, run.Status)
	require.True(t, run.Status.Terminal())
}

func TestSweepTimeoutsMovesRetryScheduledRunsToTimedOut(t *testing.T) {
	tk, backend, _ := newTestTicker(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	nextRetry := time.Now().Add(time.Hour)
	require.NoError(t, backend.CreateRun(ctx, &store.Run{
		ID: "r1", TenantID: "t1", Status: store.StatusRetryScheduled, NextRetryAt: &nextRetry,
		TimeoutAt: past, CreatedAt: time.Now(),
	}))

	require.NoError(t, tk.sweepTimeouts(ctx, time.Now()))

	run, err := backend.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusTimedOut, run.Status, "a run awaiting retry still times out once its own deadline passes")
	require.True(t, run.Status.Terminal())
}

func TestSweepTimeoutsLeavesUnexpiredRunsAlone(t *testing.T) {
	tk, backend, _ := newTestTicker(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	require.NoError(t, backend.CreateRun(ctx, &store.Run{
		ID: "r1", TenantID: "t1", Status: store.StatusRunning, TimeoutAt: future, CreatedAt: time.Now(),
	}))

	require.NoError(t, tk.sweepTimeouts(ctx, time.Now()))

	run, err := backend.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, run.Status)
}

func TestExpireHitlRejectsTheRunWhenAutoRejectIsConfigured(t *testing.T) {
	tk, backend, eng := newTestTicker(t)
	ctx := context.Background()
	run, err := eng.Create(ctx, "t1", engine.CreateSpec{
		BotID: "bot-1",
		HitlConfig: &store.HitlConfig{
			DeadlineSeconds: 1, AutoExpire: true, AutoRejectAfterMinutes: 5,
		},
	})
	require.NoError(t, err)
	_, err = eng.Lease(ctx, "t1", run.ID, "runner-1")
	require.NoError(t, err)
	require.NoError(t, eng.MarkStarted(ctx, "t1", run.ID))
	_, err = eng.RequestHitl(ctx, "t1", run.ID, engine.HitlRequestSpec{})
	require.NoError(t, err)

	require.NoError(t, tk.expireHitl(ctx, time.Now().Add(time.Hour)))

	rejected, err := backend.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusRejected, rejected.Status)
	require.True(t, rejected.Status.Terminal())
}

func TestExpireHitlEscalatesAndLeavesTheRunWaitingWhenAutoRejectIsNotConfigured(t *testing.T) {
	tk, backend, eng := newTestTicker(t)
	ctx := context.Background()
	run, err := eng.Create(ctx, "t1", engine.CreateSpec{
		BotID: "bot-1", HitlConfig: &store.HitlConfig{DeadlineSeconds: 1, AutoExpire: true},
	})
	require.NoError(t, err)
	_, err = eng.Lease(ctx, "t1", run.ID, "runner-1")
	require.NoError(t, err)
	require.NoError(t, eng.MarkStarted(ctx, "t1", run.ID))
	_, err = eng.RequestHitl(ctx, "t1", run.ID, engine.HitlRequestSpec{})
	require.NoError(t, err)

	require.NoError(t, tk.expireHitl(ctx, time.Now().Add(time.Hour)))

	escalated, err := backend.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusWaitingApproval, escalated.Status)
	require.False(t, escalated.Status.Terminal())
}

func TestSweepStaleRunnersMarksOfflineAndFailsBackJobs(t *testing.T) {
	tk, backend, eng := newTestTicker(t)
	ctx := context.Background()
	old := livenessCutoffFor
	livenessCutoffFor = func(time.Time) time.Duration { return time.Minute }
	defer func() { livenessCutoffFor = old }()

	run, err := eng.Create(ctx, "t1", engine.CreateSpec{
		BotID: "bot-1", Retry: &store.RetryPolicy{MaxRetries: 3, DelaySeconds: 1, BackoffMultiplier: 2, MaxDelaySeconds: 60},
	})
	require.NoError(t, err)
	_, err = eng.Lease(ctx, "t1", run.ID, "runner-1")
	require.NoError(t, err)

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, backend.UpsertRunner(ctx, &store.Runner{
		ID: "runner-1", TenantID: "t1", Status: store.RunnerOnline, LastHeartbeatAt: stale,
	}))
	tk.registry.Register(&registry.Session{RunnerID: "runner-1", TenantID: "t1"})
	tk.registry.AddJob("runner-1", run.ID)

	require.NoError(t, tk.sweepStaleRunners(ctx, time.Now()))

	offlineRunner, err := backend.GetRunner(ctx, "t1", "runner-1")
	require.NoError(t, err)
	require.Equal(t, store.RunnerOffline, offlineRunner.Status)

	failedBack, err := backend.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusRetryScheduled, failedBack.Status)

	require.Nil(t, tk.registry.Get("runner-1"))
}
