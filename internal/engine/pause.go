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

	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/store"
)

// Pause moves RUNNING -> PAUSED. The runner keeps the job leased; it is
// expected to stop dispatching new steps until Resume.
func (e *Engine) Pause(ctx context.Context, tenantID, runID, actor string, sink CancelSink) error {
	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, []store.Status{store.StatusRunning}, func(r *store.Run) {
		r.Status = store.StatusPaused
	})
	if err != nil {
		return errs.Wrap(err, "pausing run")
	}
	if rows == 0 {
		run, _ := e.store.GetRun(ctx, tenantID, runID)
		observed := ""
		if run != nil {
			observed = string(run.Status)
		}
		return errs.NewIllegalState(observed, "run is not running")
	}
	if run, err := e.store.GetRun(ctx, tenantID, runID); err == nil && run.RunnerID != nil && sink != nil {
		sink.Pause(ctx, *run.RunnerID, runID)
	}
	e.emit(ctx, tenantID, runID, store.EventRunPaused, store.SeverityInfo, "", "", map[string]any{"actor": actor})
	return nil
}

// Resume moves PAUSED -> RUNNING. If the run is still leased to a runner,
// sink delivers a job:resume frame so the runner's own dispatch loop picks
// back up; the run's state transition applies regardless.
func (e *Engine) Resume(ctx context.Context, tenantID, runID, actor string, sink CancelSink) error {
	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, []store.Status{store.StatusPaused}, func(r *store.Run) {
		r.Status = store.StatusRunning
	})
	if err != nil {
		return errs.Wrap(err, "resuming run")
	}
	if rows == 0 {
		run, _ := e.store.GetRun(ctx, tenantID, runID)
		observed := ""
		if run != nil {
			observed = string(run.Status)
		}
		return errs.NewIllegalState(observed, "run is not paused")
	}
	if run, err := e.store.GetRun(ctx, tenantID, runID); err == nil && run.RunnerID != nil && sink != nil {
		sink.Resume(ctx, *run.RunnerID, runID)
	}
	e.emit(ctx, tenantID, runID, store.EventRunResumed, store.SeverityInfo, "", "", map[string]any{"actor": actor})
	return nil
}
