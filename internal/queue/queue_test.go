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

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/queue"
	"github.com/tombee/rundispatch/internal/store"
	"github.com/tombee/rundispatch/internal/store/memory"
)

func TestClaimReturnsHighestPriorityEntry(t *testing.T) {
	backend := memory.New()
	q := queue.New(backend)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &store.QueueEntry{RunID: "run-low", TenantID: "t1", Priority: 5, EnqueuedAt: time.Now(), AvailableAt: time.Now()}))
	require.NoError(t, q.Enqueue(ctx, &store.QueueEntry{RunID: "run-high", TenantID: "t1", Priority: 1, EnqueuedAt: time.Now(), AvailableAt: time.Now()}))

	entry, err := q.Claim(ctx, "t1", queue.RunnerProfile{RunnerID: "runner-1"})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "run-high", entry.RunID)
}

func TestClaimReturnsNilWhenQueueEmpty(t *testing.T) {
	backend := memory.New()
	q := queue.New(backend)

	entry, err := q.Claim(context.Background(), "t1", queue.RunnerProfile{RunnerID: "runner-1"})
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestClaimHonoursAnExprSelector(t *testing.T) {
	backend := memory.New()
	q := queue.New(backend)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &store.QueueEntry{
		RunID: "run-gpu", TenantID: "t1", Priority: 3, EnqueuedAt: time.Now(), AvailableAt: time.Now(),
		Selector: store.Selector{Expr: `"gpu" in capabilities`},
	}))

	noMatch, err := q.Claim(ctx, "t1", queue.RunnerProfile{RunnerID: "runner-cpu", Capabilities: []string{"cpu"}})
	require.NoError(t, err)
	require.Nil(t, noMatch)

	match, err := q.Claim(ctx, "t1", queue.RunnerProfile{RunnerID: "runner-gpu", Capabilities: []string{"gpu"}})
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, "run-gpu", match.RunID)
}

func TestClaimRequeuesNonMatchingEntriesForLaterAttempts(t *testing.T) {
	backend := memory.New()
	q := queue.New(backend)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &store.QueueEntry{
		RunID: "run-gpu", TenantID: "t1", Priority: 3, EnqueuedAt: time.Now(), AvailableAt: time.Now(),
		Selector: store.Selector{Expr: `"gpu" in capabilities`},
	}))

	noMatch, err := q.Claim(ctx, "t1", queue.RunnerProfile{RunnerID: "runner-cpu", Capabilities: []string{"cpu"}})
	require.NoError(t, err)
	require.Nil(t, noMatch)

	// The entry must still be claimable by a matching runner afterwards.
	match, err := q.Claim(ctx, "t1", queue.RunnerProfile{RunnerID: "runner-gpu", Capabilities: []string{"gpu"}})
	require.NoError(t, err)
	require.NotNil(t, match)
}

func TestSignalCoalescesMultipleEnqueues(t *testing.T) {
	backend := memory.New()
	q := queue.New(backend)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &store.QueueEntry{RunID: "r1", TenantID: "t1", EnqueuedAt: time.Now(), AvailableAt: time.Now()}))
	require.NoError(t, q.Enqueue(ctx, &store.QueueEntry{RunID: "r2", TenantID: "t1", EnqueuedAt: time.Now(), AvailableAt: time.Now()}))

	select {
	case <-q.Signal():
	default:
		t.Fatal("expected a pending signal after two enqueues")
	}
	select {
	case <-q.Signal():
		t.Fatal("signal sends must coalesce to at most one pending value")
	default:
	}
}

func TestRemoveDropsAQueuedEntry(t *testing.T) {
	backend := memory.New()
	q := queue.New(backend)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &store.QueueEntry{RunID: "r1", TenantID: "t1", EnqueuedAt: time.Now(), AvailableAt: time.Now()}))
	require.NoError(t, q.Remove(ctx, "r1"))

	entry, err := q.Claim(ctx, "t1", queue.RunnerProfile{RunnerID: "runner-1"})
	require.NoError(t, err)
	require.Nil(t, entry)
}
