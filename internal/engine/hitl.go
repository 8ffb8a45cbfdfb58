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

	"github.com/google/uuid"

	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/store"
)

// HitlRequestSpec is the payload of a runner's hitl_requested frame.
type HitlRequestSpec struct {
	StepID string
	NodeID string
}

// RequestHitl moves RUNNING -> WAITING_APPROVAL and opens a HitlRequest. A
// request for a run not currently RUNNING is rejected: the runner's notion
// of the run's state is stale.
func (e *Engine) RequestHitl(ctx context.Context, tenantID, runID string, spec HitlRequestSpec) (*store.HitlRequest, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, errs.NotFound("run", runID)
	}
	if run.HitlConfig == nil {
		return nil, errs.NewIllegalState(string(run.Status), "run has no hitl configuration")
	}

	now := e.now()
	req := &store.HitlRequest{
		ID:                      uuid.NewString(),
		RunID:                   runID,
		TenantID:                tenantID,
		StepID:                  spec.StepID,
		NodeID:                  spec.NodeID,
		Status:                  store.HitlPending,
		AllowedActions:          run.HitlConfig.AllowedActions,
		DataModificationAllowed: run.HitlConfig.DataModificationAllowed,
		ApproverIDs:             run.HitlConfig.ApproverIDs,
		CreatedAt:               now,
	}
	if run.HitlConfig.DeadlineSeconds > 0 {
		deadline := now.Add(secondsToDuration(run.HitlConfig.DeadlineSeconds))
		req.Deadline = &deadline
	}

	rows, err := e.store.ConditionalUpdateRun(ctx, tenantID, runID, []store.Status{store.StatusRunning}, func(r *store.Run) {
		r.Status = store.StatusWaitingApproval
		r.HitlState = &req.ID
	})
	if err != nil {
		return nil, errs.Wrap(err, "marking run waiting_approval")
	}
	if rows == 0 {
		return nil, errs.NewIllegalState(string(run.Status), "run is not running")
	}

	if err := e.store.InsertHitl(ctx, req); err != nil {
		return nil, errs.Wrap(err, "persisting hitl request")
	}

	e.emit(ctx, tenantID, runID, store.EventHitlRequested, store.SeverityInfo, spec.StepID, spec.NodeID, map[string]any{"hitlRequestId": req.ID})
	return req, nil
}

// ResolveHitl applies a human decision to a PENDING HitlRequest.
//
//   - APPROVE: run resumes RUNNING unchanged.
//   - MODIFY:  run resumes RUNNING; modifiedData is recorded on the request
//     for the runner to pick up on its next progress poll.
//   - REJECT:  run moves to the terminal REJECTED state.
//   - ESCALATE: request moves to ESCALATED and is not reassigned; run stays
//     WAITING_APPROVAL. An ESCALATED request is no longer PENDING, so any
//     further action on it returns ALREADY_RESOLVED.
//
// Resolving an already-resolved request returns ALREADY_RESOLVED.
func (e *Engine) ResolveHitl(ctx context.Context, tenantID, requestID, actor string, action store.HitlAction, modifiedData map[string]any, comments string) (*store.HitlRequest, error) {
	req, err := e.store.GetHitl(ctx, tenantID, requestID)
	if err != nil {
		return nil, errs.NotFound("hitl_request", requestID)
	}
	if !allowedAction(req.AllowedActions, action) {
		return nil, &errs.ClientError{Code: errs.CodeActionNotAllowed, Message: string(action) + " is not permitted on this request"}
	}

	now := e.now()
	rows, err := e.store.ConditionalResolveHitl(ctx, tenantID, requestID, func(r *store.HitlRequest) {
		r.AuditTrail = append(r.AuditTrail, store.HitlAuditEntry{Actor: actor, Action: string(action), Comments: comments, Timestamp: now})
		switch action {
		case store.HitlActionApprove:
			r.Status = store.HitlApproved
			r.Action = &action
			r.ResolvedBy = actor
			r.ResolvedAt = &now
		case store.HitlActionModify:
			r.Status = store.HitlModified
			r.Action = &action
			r.ResolvedBy = actor
			r.ResolvedAt = &now
			r.ModifiedData = modifiedData
		case store.HitlActionReject:
			r.Status = store.HitlRejected
			r.Action = &action
			r.ResolvedBy = actor
			r.ResolvedAt = &now
		case store.HitlActionEscalate:
			r.Status = store.HitlEscalated
		}
	})
	if err != nil {
		return nil, errs.Wrap(err, "resolving hitl request")
	}
	if rows == 0 {
		return nil, &errs.ClientError{Code: errs.CodeAlreadyResolved, Message: "hitl request already resolved"}
	}

	resolved, err := e.store.GetHitl(ctx, tenantID, requestID)
	if err != nil {
		return nil, errs.Wrap(err, "reloading hitl request")
	}

	switch action {
	case store.HitlActionApprove, store.HitlActionModify:
		e.store.ConditionalUpdateRun(ctx, tenantID, req.RunID, []store.Status{store.StatusWaitingApproval}, func(r *store.Run) {
			r.Status = store.StatusRunning
			r.HitlState = nil
		})
		evt := store.EventHitlApproved
		if action == store.HitlActionModify {
			evt = store.EventHitlModified
		}
		e.emit(ctx, tenantID, req.RunID, evt, store.SeverityInfo, req.StepID, req.NodeID, map[string]any{"hitlRequestId": requestID})
	case store.HitlActionReject:
		e.store.ConditionalUpdateRun(ctx, tenantID, req.RunID, []store.Status{store.StatusWaitingApproval}, func(r *store.Run) {
			r.Status = store.StatusRejected
			r.CompletedAt = &now
			r.HitlState = nil
		})
		e.emit(ctx, tenantID, req.RunID, store.EventHitlRejected, store.SeverityWarn, req.StepID, req.NodeID, map[string]any{"hitlRequestId": requestID})
	case store.HitlActionEscalate:
		e.emit(ctx, tenantID, req.RunID, store.EventHitlEscalated, store.SeverityWarn, req.StepID, req.NodeID, map[string]any{"hitlRequestId": requestID})
	}

	return resolved, nil
}

// ExpireHitl is called by the tick's HITL expiry pass for requests whose
// deadline has passed. A request whose run does not have AutoExpire set is
// left PENDING. Otherwise the request moves to EXPIRED; what happens to its
// run depends on hitlConfig.autoRejectAfterMinutes: configured, the run is
// rejected terminal; unconfigured, a HITL_ESCALATED event is emitted and the
// run stays WAITING_APPROVAL.
func (e *Engine) ExpireHitl(ctx context.Context, req *store.HitlRequest) error {
	run, err := e.store.GetRun(ctx, req.TenantID, req.RunID)
	if err != nil {
		return errs.Wrap(err, "loading run for hitl expiry")
	}
	if run.HitlConfig == nil || !run.HitlConfig.AutoExpire {
		return nil
	}

	now := e.now()
	rows, err := e.store.ConditionalResolveHitl(ctx, req.TenantID, req.ID, func(r *store.HitlRequest) {
		r.Status = store.HitlExpired
		r.ResolvedAt = &now
		r.AuditTrail = append(r.AuditTrail, store.HitlAuditEntry{Actor: "system", Action: "EXPIRE", Timestamp: now})
	})
	if err != nil || rows == 0 {
		return err
	}

	e.emit(ctx, req.TenantID, req.RunID, store.EventHitlExpired, store.SeverityWarn, req.StepID, req.NodeID, map[string]any{"hitlRequestId": req.ID})

	if run.HitlConfig != nil && run.HitlConfig.AutoRejectAfterMinutes > 0 {
		e.store.ConditionalUpdateRun(ctx, req.TenantID, req.RunID, []store.Status{store.StatusWaitingApproval}, func(r *store.Run) {
			r.Status = store.StatusRejected
			r.CompletedAt = &now
			r.HitlState = nil
			r.ErrorCode = "HITL_EXPIRED"
		})
		return nil
	}

	e.emit(ctx, req.TenantID, req.RunID, store.EventHitlEscalated, store.SeverityWarn, req.StepID, req.NodeID, map[string]any{"hitlRequestId": req.ID, "reason": "deadline_expired"})
	return nil
}

func allowedAction(allowed []store.HitlAction, action store.HitlAction) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == action {
			return true
		}
	}
	return false
}
