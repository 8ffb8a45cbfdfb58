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
	"log/slog"
	"time"

	"github.com/tombee/rundispatch/internal/engine"
	internallog "github.com/tombee/rundispatch/internal/log"
	"github.com/tombee/rundispatch/internal/store"
)

// promoteRetries re-enqueues every RETRY_SCHEDULED run whose NextRetryAt
// has passed.
func (t *Ticker) promoteRetries(ctx context.Context, now time.Time) error {
	runs, err := t.store.ListDueForRetry(ctx, now, SweepLimit)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := t.engine.Enqueue(ctx, run); err != nil {
			t.log.Warn("failed to promote retry", internallog.Error(err), slog.String(internallog.RunIDKey, run.ID))
		}
	}
	return nil
}

// sweepTimeouts moves every non-terminal run whose TimeoutAt has passed to
// TIMED_OUT.
func (t *Ticker) sweepTimeouts(ctx context.Context, now time.Time) error {
	runs, err := t.store.ListTimedOut(ctx, now, SweepLimit)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := t.engine.Timeout(ctx, run.TenantID, run.ID, t.sink); err != nil {
			t.log.Warn("failed to time out run", internallog.Error(err), slog.String(internallog.RunIDKey, run.ID))
		}
	}
	return nil
}

// expireHitl resolves every PENDING HitlRequest with AutoExpire past its
// deadline.
func (t *Ticker) expireHitl(ctx context.Context, now time.Time) error {
	reqs, err := t.store.ListDueHitlRequests(ctx, now, SweepLimit)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if err := t.engine.ExpireHitl(ctx, req); err != nil {
			t.log.Warn("failed to expire hitl request", internallog.Error(err), slog.String(internallog.HitlIDKey, req.ID))
		}
	}
	return nil
}

// sweepStaleRunners marks runners whose heartbeat has lapsed as OFFLINE and
// fails back any jobs they still hold, since their session is presumed
// dead (the gateway's own disconnect handler normally gets there first;
// this sweep catches network partitions the TCP stack never reported).
func (t *Ticker) sweepStaleRunners(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-livenessCutoffFor(now))
	runners, err := t.store.ListStaleRunners(ctx, cutoff, SweepLimit)
	if err != nil {
		return err
	}
	for _, runner := range runners {
		if err := t.store.UpdateRunnerStatus(ctx, runner.TenantID, runner.ID, store.RunnerOffline, runner.LastHeartbeatAt); err != nil {
			t.log.Warn("failed to mark runner offline", internallog.Error(err), slog.String(internallog.RunnerIDKey, runner.ID))
			continue
		}
		if t.registry != nil {
			if session := t.registry.Get(runner.ID); session != nil {
				for runID := range session.Jobs {
					_ = t.engine.Complete(ctx, runner.TenantID, runID, engine.JobResult{
						Success: false, ErrorCode: "RUNNER_DISCONNECTED",
						ErrorMessage: "runner heartbeat lapsed", Retriable: true,
					})
				}
				t.registry.Unregister(runner.ID)
			}
		}
	}
	return nil
}

// livenessCutoffFor is a function (not a const) so tests can shrink the
// window without waiting 90 real seconds.
var livenessCutoffFor = func(now time.Time) time.Duration { return 90 * time.Second }
