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

package gateway

import (
	"context"
	"log/slog"
	"time"

	internallog "github.com/tombee/rundispatch/internal/log"
	"github.com/tombee/rundispatch/internal/queue"
)

// pollInterval bounds how long the assignment loop waits between signals,
// so a runner that frees capacity without a corresponding Enqueue signal
// (the common case: capacity opens up on job completion) is still noticed.
const pollInterval = 2 * time.Second

// RunAssignmentLoop drives queue claims to connected runners with spare
// capacity until ctx is cancelled. It wakes on the queue's signal channel
// (a new run was enqueued) or the poll interval, whichever comes first.
func (g *Gateway) RunAssignmentLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.closeCh:
			return
		case <-g.queue.Signal():
			g.assignPass(ctx)
		case <-ticker.C:
			g.assignPass(ctx)
		}
	}
}

func (g *Gateway) assignPass(ctx context.Context) {
	for _, session := range g.registry.Snapshot() {
		if session.MaxConcurrent > 0 && len(session.Jobs) >= session.MaxConcurrent {
			continue
		}
		entry, err := g.queue.Claim(ctx, session.TenantID, queue.RunnerProfile{
			RunnerID: session.RunnerID, Labels: session.Labels, Capabilities: session.Capabilities,
		})
		if err != nil {
			g.log.Warn("claim failed during assignment pass", internallog.Error(err))
			continue
		}
		if entry == nil {
			continue
		}

		run, err := g.engine.Lease(ctx, session.TenantID, entry.RunID, session.RunnerID)
		if err != nil {
			g.log.Warn("lease failed after claim", internallog.Error(err), slog.String(internallog.RunIDKey, entry.RunID))
			continue
		}
		if run == nil || run.RunnerID == nil || *run.RunnerID != session.RunnerID {
			// The run moved on (cancelled, already leased elsewhere) between
			// the claim and this lease attempt; drop it silently.
			continue
		}

		if err := g.Assign(ctx, session.RunnerID, run); err != nil {
			// The runner vanished between claim and assign; roll the lease
			// back to QUEUED rather than leave the run stuck LEASED.
			g.log.Warn("assign failed after lease, rolling back", internallog.Error(err), slog.String(internallog.RunIDKey, entry.RunID))
			if rbErr := g.engine.CancelLease(ctx, session.TenantID, entry.RunID); rbErr != nil {
				g.log.Warn("lease rollback failed", internallog.Error(rbErr), slog.String(internallog.RunIDKey, entry.RunID))
			}
		}
	}
}
