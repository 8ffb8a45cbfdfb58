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

// Lease assigns run to runnerID after the gateway's queue claim has already
// picked it. It moves QUEUED -> LEASED. If the run has moved on (a
// concurrent cancel, for instance) rowsAffected is 0 and the caller should
// treat the job as void and ask the queue for the next one.
func (e *Engine) Lease(ctx context.Context, tenantID, runID, runnerID string) (*store.Run, error) {
	now := e.now()
	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, []store.Status{store.StatusQueued}, func(r *store.Run) {
		r.Status = store.StatusLeased
		r.RunnerID = &runnerID
		r.LeasedAt = &now
	})
	if err != nil {
		return nil, errs.Wrap(err, "leasing run")
	}
	run, gerr := e.store.GetRun(ctx, tenantID, runID)
	if gerr != nil {
		return nil, errs.Wrap(gerr, "loading leased run")
	}
	if rows == 0 {
		return run, nil
	}
	e.emit(ctx, tenantID, runID, store.EventRunLeased, store.SeverityInfo, "", "", map[string]any{"runnerId": runnerID})
	return run, nil
}

// CancelLease rolls a LEASED run back to QUEUED and re-inserts its
// QueueEntry, for the back-pressure case where the runner disappears
// between the queue claim and a successful job:assign: the lease is
// released rather than left to expire via the run's own timeout.
func (e *Engine) CancelLease(ctx context.Context, tenantID, runID string) error {
	now := e.now()
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return errs.Wrap(err, "loading run for lease rollback")
	}

	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, []store.Status{store.StatusLeased}, func(r *store.Run) {
		r.Status = store.StatusQueued
		r.RunnerID = nil
		r.LeasedAt = nil
		r.QueuedAt = &now
	})
	if err != nil {
		return errs.Wrap(err, "rolling back lease")
	}
	if rows == 0 {
		return nil
	}

	entry := &store.QueueEntry{
		RunID:       runID,
		TenantID:    tenantID,
		Priority:    run.Priority,
		EnqueuedAt:  now,
		AvailableAt: now,
		Selector:    run.Selector,
	}
	if err := e.queue.Enqueue(ctx, entry); err != nil {
		return errs.Wrap(err, "re-enqueuing run after lease rollback")
	}

	e.emit(ctx, tenantID, runID, store.EventRunQueued, store.SeverityWarn, "", "", map[string]any{"reason": "lease_rollback"})
	return nil
}

// MarkStarted moves LEASED -> RUNNING on the first progress frame from the
// runner. Subsequent calls for an already-RUNNING run are a no-op.
func (e *Engine) MarkStarted(ctx context.Context, tenantID, runID string) error {
	now := e.now()
	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, []store.Status{store.StatusLeased}, func(r *store.Run) {
		r.Status = store.StatusRunning
		r.StartedAt = &now
	})
	if err != nil {
		return errs.Wrap(err, "marking run started")
	}
	if rows == 0 {
		return nil
	}
	e.emit(ctx, tenantID, runID, store.EventRunStarted, store.SeverityInfo, "", "", nil)
	return nil
}

// ProgressDelta is the subset of a job:progress frame the engine applies.
// Counters are monotone: negative or lower values than already recorded are
// ignored so an out-of-order frame can't move a run backwards.
type ProgressDelta struct {
	StepID         string
	NodeID         string
	CompletedSteps int
	FailedSteps    int
	TotalSteps     int
	MemoryPeakMB   int
}

// UpdateProgress applies a progress frame. It never changes Status; a
// progress frame for a run outside {LEASED, RUNNING, WAITING_APPROVAL} is
// discarded, since the runner's view of the job is stale.
func (e *Engine) UpdateProgress(ctx context.Context, tenantID, runID string, delta ProgressDelta) error {
	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, []store.Status{store.StatusLeased, store.StatusRunning, store.StatusWaitingApproval}, func(r *store.Run) {
		r.CurrentNodeID = delta.NodeID
		if delta.CompletedSteps > r.CompletedSteps {
			r.CompletedSteps = delta.CompletedSteps
		}
		if delta.FailedSteps > r.FailedSteps {
			r.FailedSteps = delta.FailedSteps
		}
		if delta.TotalSteps > r.TotalSteps {
			r.TotalSteps = delta.TotalSteps
		}
		if delta.MemoryPeakMB > r.MemoryPeakMB {
			r.MemoryPeakMB = delta.MemoryPeakMB
		}
	})
	if err != nil {
		return errs.Wrap(err, "updating run progress")
	}
	if rows == 0 {
		return nil
	}
	e.emit(ctx, tenantID, runID, store.EventStepEnd, store.SeverityInfo, delta.StepID, delta.NodeID, nil)
	return nil
}
