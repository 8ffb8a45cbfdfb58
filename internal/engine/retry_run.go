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
	"time"

	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/store"
)

// RetryRun creates a fresh Run from a terminal, unsuccessful run: same bot
// version, selector and HITL config, with inputs optionally overridden. It
// is the Control API's manual `retryRun`, distinct from the automatic
// backoff retry scheduleRetry drives from Complete.
func (e *Engine) RetryRun(ctx context.Context, tenantID, runID string, inputs map[string]any) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case store.StatusFailed, store.StatusTimedOut, store.StatusCancelled, store.StatusRejected:
	default:
		return nil, &errs.ClientError{Code: errs.CodeNotRetriable, Message: "run is not in a retriable terminal state", Observed: string(run.Status)}
	}

	if inputs == nil {
		inputs = run.Inputs
	}

	var parentRunID string
	if run.ParentRunID != nil {
		parentRunID = *run.ParentRunID
	}

	spec := CreateSpec{
		BotID:       run.BotID,
		VersionID:   run.BotVersionID,
		Inputs:      inputs,
		Priority:    run.Priority,
		TriggerType: store.TriggerRetry,
		TriggeredBy: "retry:" + run.ID,
		ParentRunID: parentRunID,
		Timeout:     time.Duration(run.TimeoutSeconds) * time.Second,
		Retry:       &run.Retry,
		HitlConfig:  run.HitlConfig,
		Selector:    run.Selector,
		Tags:        run.Tags,
		Labels:      run.Labels,
	}
	return e.Create(ctx, tenantID, spec)
}
