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

// JobResult is a job:result frame from the runner.
type JobResult struct {
	Success      bool
	Outputs      map[string]any
	ErrorCode    string
	ErrorMessage string
	// Retriable is the runner's own classification of the failure. The
	// engine only consults it on failure, and only if retries remain.
	Retriable bool
}

// Complete applies a terminal job:result. A result for a run outside
// {LEASED, RUNNING, WAITING_APPROVAL} is discarded: the job has already
// been reassigned or the run already moved on.
//
// A retriable failure with retries remaining does not reach a terminal
// state; it is handed to scheduleRetry instead, which leaves the run in
// RETRY_SCHEDULED.
func (e *Engine) Complete(ctx context.Context, tenantID, runID string, result JobResult) error {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil
	}
	if run.Status != store.StatusLeased && run.Status != store.StatusRunning && run.Status != store.StatusWaitingApproval {
		e.log.Debug("discarding result for run outside an active state", slog.String(internallog.RunIDKey, runID), slog.String("status", string(run.Status)))
		return nil
	}

	if !result.Success && result.Retriable && run.RetryCount < run.Retry.MaxRetries {
		return e.scheduleRetry(ctx, run, result)
	}

	now := e.now()
	status := store.StatusSucceeded
	eventType := store.EventRunCompleted
	severity := store.SeverityInfo
	if !result.Success {
		status = store.StatusFailed
		eventType = store.EventRunFailed
		severity = store.SeverityError
	}

	active := []store.Status{store.StatusLeased, store.StatusRunning, store.StatusWaitingApproval}
	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, active, func(r *store.Run) {
		r.Status = status
		r.Outputs = result.Outputs
		r.ErrorCode = result.ErrorCode
		r.ErrorMessage = result.ErrorMessage
		r.CompletedAt = &now
		r.HitlState = nil
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil
	}

	e.queue.Remove(ctx, runID)
	e.emit(ctx, tenantID, runID, eventType, severity, "", "", map[string]any{"errorCode": result.ErrorCode})
	return nil
}

// scheduleRetry moves run to RETRY_SCHEDULED, computing the next attempt's
// delay from its RetryPolicy and re-inserting a delayed QueueEntry once the
// delay elapses (driven by the tick's retry-promotion pass, not a timer
// owned by the engine itself).
func (e *Engine) scheduleRetry(ctx context.Context, run *store.Run, result JobResult) error {
	now := e.now()
	delay := nextRetryDelay(run.Retry.DelaySeconds, run.Retry.BackoffMultiplier, run.RetryCount, run.Retry.MaxDelaySeconds)
	nextAt := now.Add(delay)

	attempt := store.RetryAttempt{
		Attempt:     run.RetryCount + 1,
		FailedAt:    now,
		ErrorCode:   result.ErrorCode,
		ErrorMsg:    result.ErrorMessage,
		NextRetryAt: nextAt,
	}

	active := []store.Status{store.StatusLeased, store.StatusRunning, store.StatusWaitingApproval}
	rows, err := e.store.ConditionalUpdateRun(ctx, run.TenantID, run.ID, active, func(r *store.Run) {
		r.Status = store.StatusRetryScheduled
		r.NextRetryAt = &nextAt
		r.RetryHistory = append(r.RetryHistory, attempt)
		r.ErrorCode = result.ErrorCode
		r.ErrorMessage = result.ErrorMessage
		r.HitlState = nil
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil
	}

	e.queue.Remove(ctx, run.ID)
	// The retry promotion pass (internal/tick) re-enqueues once nextAt has
	// passed; nothing here goes back on the queue immediately.
	e.emit(ctx, run.TenantID, run.ID, store.EventRunRetryScheduled, store.SeverityWarn, "", "", map[string]any{
		"attempt":     attempt.Attempt,
		"nextRetryAt": nextAt,
	})
	return nil
}
