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

	"github.com/tombee/rundispatch/internal/store"
)

// timeoutEligibleStatuses lists every non-terminal status the tick's
// timeout sweep considers. PENDING and QUEUED runs are included: a run
// that never got a runner before its deadline still times out.
var timeoutEligibleStatuses = []store.Status{
	store.StatusPending, store.StatusQueued, store.StatusLeased, store.StatusRunning,
	store.StatusWaitingApproval, store.StatusPaused, store.StatusRetryScheduled,
}

// Timeout moves run to the terminal TIMED_OUT state. Called by the tick's
// timeout sweep for any non-terminal run whose TimeoutAt has passed; a
// run that reached a terminal state in the meantime is left untouched.
func (e *Engine) Timeout(ctx context.Context, tenantID, runID string, sink CancelSink) error {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil
	}
	if run.Status.Terminal() {
		return nil
	}

	now := e.now()
	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, timeoutEligibleStatuses, func(r *store.Run) {
		r.Status = store.StatusTimedOut
		r.CompletedAt = &now
		r.ErrorCode = "TIMEOUT"
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
	e.emit(ctx, tenantID, runID, store.EventRunTimedOut, store.SeverityError, "", "", nil)
	return nil
}
