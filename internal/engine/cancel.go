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

package engine

import (
	"context"
	"log/slog"

	internallog "github.com/tombee/rundispatch/internal/log"
	"github.com/tombee/rundispatch/internal/store"
)

// CancelSink is implemented by the gateway: it delivers job:cancel,
// job:pause and job:resume frames to whichever runner currently holds a
// run, if any. The engine's own state transition always proceeds
// regardless of whether the frame can be delivered.
type CancelSink interface {
	Cancel(ctx context.Context, runnerID, runID string)
	Pause(ctx context.Context, runnerID, runID string)
	Resume(ctx context.Context, runnerID, runID string)
}

// nonTerminalStatuses lists every status a run can be cancelled out of.
var nonTerminalStatuses = []store.Status{
	store.StatusPending, store.StatusQueued, store.StatusLeased, store.StatusRunning,
	store.StatusWaitingApproval, store.StatusPaused, store.StatusRetryScheduled,
}

// Cancel moves run to the terminal CANCELLED state from any non-terminal
// status. It removes any queued entry and, if the run is currently leased
// to a runner, asks sink to deliver a job:cancel frame (best-effort: the
// run's own state is already final by the time this returns).
//
// If cascadeChildren is set, every child run (recursively) is cancelled
// too. Children are processed in whatever order ListChildren returns them;
// a failure cancelling one child never blocks the others.
func (e *Engine) Cancel(ctx context.Context, tenantID, runID, actor, reason string, cascadeChildren bool, sink CancelSink) error {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil
	}
	if run.Status.Terminal() {
		return nil
	}

	now := e.now()
	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, nonTerminalStatuses, func(r *store.Run) {
		r.Status = store.StatusCancelled
		r.CompletedAt = &now
		r.ErrorMessage = reason
		r.HitlState = nil
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil
	}

	e.queue.Remove(ctx, runID)
	if run.RunnerID != nil && sink != nil {
		sink.Cancel(ctx, *run.RunnerID, runID)
	}
	e.emit(ctx, tenantID, runID, store.EventRunCancelled, store.SeverityWarn, "", "", map[string]any{"actor": actor, "reason": reason})

	if cascadeChildren {
		children, err := e.store.ListChildren(ctx, tenantID, runID)
		if err != nil {
			e.log.Warn("failed to list children for cascade cancel", internallog.Error(err), slog.String(internallog.RunIDKey, runID))
			return nil
		}
		for _, child := range children {
			if err := e.Cancel(ctx, tenantID, child.ID, actor, "parent run cancelled", true, sink); err != nil {
				e.log.Warn("failed to cancel child run", internallog.Error(err), slog.String(internallog.RunIDKey, child.ID))
			}
		}
	}
	return nil
}
