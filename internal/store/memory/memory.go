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

// Package memory is an in-memory Backend implementation, suitable for
// tests and single-instance deployments without durability requirements.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/store"
)

// Backend is a mutex-guarded, in-memory implementation of store.Backend.
// Runs, HITL requests and runners are returned as copies (copyRun,
// copyHitl, copyRunner, with maps cloned one level deep); events and logs
// are copied as structs, so their Payload/Data maps are shared with the
// stored rows.
type Backend struct {
	mu sync.RWMutex

	runs    map[string]*store.Run
	events  map[string][]*store.RunEvent // runID -> events, append-only
	logs    map[string][]*store.RunLog
	hitl    map[string]*store.HitlRequest
	runners map[string]*store.Runner
	queue   map[string]*store.QueueEntry // runID -> entry
}

// New constructs an empty in-memory Backend.
func New() *Backend {
	return &Backend{
		runs:    make(map[string]*store.Run),
		events:  make(map[string][]*store.RunEvent),
		logs:    make(map[string][]*store.RunLog),
		hitl:    make(map[string]*store.HitlRequest),
		runners: make(map[string]*store.Runner),
		queue:   make(map[string]*store.QueueEntry),
	}
}

var _ store.Backend = (*Backend)(nil)

func copyRun(r *store.Run) *store.Run {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ParentRunID != nil {
		v := *r.ParentRunID
		cp.ParentRunID = &v
	}
	if r.RunnerID != nil {
		v := *r.RunnerID
		cp.RunnerID = &v
	}
	if r.NextRetryAt != nil {
		v := *r.NextRetryAt
		cp.NextRetryAt = &v
	}
	if r.HitlState != nil {
		v := *r.HitlState
		cp.HitlState = &v
	}
	cp.Inputs = copyMap(r.Inputs)
	cp.Outputs = copyMap(r.Outputs)
	cp.Labels = copyStringMap(r.Labels)
	cp.Tags = append([]string(nil), r.Tags...)
	cp.RetryHistory = append([]store.RetryAttempt(nil), r.RetryHistory...)
	if r.HitlConfig != nil {
		hc := *r.HitlConfig
		cp.HitlConfig = &hc
	}
	cp.Selector = r.Selector
	cp.Selector.Labels = copyStringMap(r.Selector.Labels)
	cp.Selector.Capabilities = append([]string(nil), r.Selector.Capabilities...)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// CreateRun implements store.RunStore.
func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.runs[run.ID]; exists {
		return &errs.ClientError{Code: errs.CodeValidation, Message: "run already exists: " + run.ID}
	}
	b.runs[run.ID] = copyRun(run)
	return nil
}

// GetRun implements store.RunStore.
func (b *Backend) GetRun(ctx context.Context, tenantID, id string) (*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.runs[id]
	if !ok || r.TenantID != tenantID {
		return nil, errs.NotFound("run", id)
	}
	return copyRun(r), nil
}

// ConditionalUpdateRun implements store.RunStore.
func (b *Backend) ConditionalUpdateRun(ctx context.Context, tenantID, id string, whereStatusIn []store.Status, patch func(*store.Run)) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[id]
	if !ok || r.TenantID != tenantID {
		return 0, errs.NotFound("run", id)
	}
	if len(whereStatusIn) > 0 && !statusIn(r.Status, whereStatusIn) {
		return 0, nil
	}
	working := copyRun(r)
	patch(working)
	b.runs[id] = working
	return 1, nil
}

func statusIn(s store.Status, set []store.Status) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

// ListRuns implements store.RunLister.
func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []*store.Run
	for _, r := range b.runs {
		if r.TenantID != filter.TenantID {
			continue
		}
		if len(filter.Status) > 0 && !statusIn(r.Status, filter.Status) {
			continue
		}
		if filter.BotID != "" && r.BotID != filter.BotID {
			continue
		}
		if filter.RunnerID != "" && (r.RunnerID == nil || *r.RunnerID != filter.RunnerID) {
			continue
		}
		if filter.ParentRunID != nil {
			if r.ParentRunID == nil || *r.ParentRunID != *filter.ParentRunID {
				continue
			}
		}
		matched = append(matched, copyRun(r))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*store.Run{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// ListChildren implements store.RunLister.
func (b *Backend) ListChildren(ctx context.Context, tenantID, parentRunID string) ([]*store.Run, error) {
	runs, _, err := b.ListRuns(ctx, store.RunFilter{TenantID: tenantID, ParentRunID: &parentRunID})
	return runs, err
}

// ListDueForRetry implements store.RunLister.
func (b *Backend) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.Run
	for _, r := range b.runs {
		if r.Status != store.StatusRetryScheduled {
			continue
		}
		if r.NextRetryAt == nil || r.NextRetryAt.After(now) {
			continue
		}
		out = append(out, copyRun(r))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListTimedOut implements store.RunLister.
func (b *Backend) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.Run
	for _, r := range b.runs {
		if r.Status.Terminal() {
			continue
		}
		if r.TimeoutAt.After(now) {
			continue
		}
		out = append(out, copyRun(r))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// InsertEvent implements store.EventStore.
func (b *Backend) InsertEvent(ctx context.Context, event *store.RunEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *event
	b.events[event.RunID] = append(b.events[event.RunID], &cp)
	return nil
}

// ListEvents implements store.EventStore.
func (b *Backend) ListEvents(ctx context.Context, filter store.EventFilter) ([]*store.RunEvent, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	all := b.events[filter.RunID]
	var matched []*store.RunEvent
	for _, e := range all {
		if e.TenantID != filter.TenantID {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	total := len(matched)
	if filter.Offset > 0 && filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else if filter.Offset >= len(matched) {
		matched = nil
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// InsertLog implements store.LogStore.
func (b *Backend) InsertLog(ctx context.Context, line *store.RunLog) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *line
	b.logs[line.RunID] = append(b.logs[line.RunID], &cp)
	return nil
}

// ListLogs implements store.LogStore.
func (b *Backend) ListLogs(ctx context.Context, filter store.LogFilter) ([]*store.RunLog, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	all := b.logs[filter.RunID]
	total := len(all)
	out := make([]*store.RunLog, 0, len(all))
	for _, l := range all {
		cp := *l
		out = append(out, &cp)
	}
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func copyHitl(h *store.HitlRequest) *store.HitlRequest {
	cp := *h
	if h.Deadline != nil {
		v := *h.Deadline
		cp.Deadline = &v
	}
	if h.Action != nil {
		v := *h.Action
		cp.Action = &v
	}
	if h.ResolvedAt != nil {
		v := *h.ResolvedAt
		cp.ResolvedAt = &v
	}
	cp.ModifiedData = copyMap(h.ModifiedData)
	cp.AllowedActions = append([]store.HitlAction(nil), h.AllowedActions...)
	cp.ApproverIDs = append([]string(nil), h.ApproverIDs...)
	cp.AuditTrail = append([]store.HitlAuditEntry(nil), h.AuditTrail...)
	return &cp
}

// InsertHitl implements store.HitlStore.
func (b *Backend) InsertHitl(ctx context.Context, req *store.HitlRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hitl[req.ID] = copyHitl(req)
	return nil
}

// GetHitl implements store.HitlStore.
func (b *Backend) GetHitl(ctx context.Context, tenantID, id string) (*store.HitlRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.hitl[id]
	if !ok || h.TenantID != tenantID {
		return nil, errs.NotFound("hitl_request", id)
	}
	return copyHitl(h), nil
}

// ConditionalResolveHitl implements store.HitlStore.
func (b *Backend) ConditionalResolveHitl(ctx context.Context, tenantID, id string, patch func(*store.HitlRequest)) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hitl[id]
	if !ok || h.TenantID != tenantID {
		return 0, errs.NotFound("hitl_request", id)
	}
	if h.Status != store.HitlPending {
		return 0, nil
	}
	working := copyHitl(h)
	patch(working)
	b.hitl[id] = working
	return 1, nil
}

// ListHitlRequests implements store.HitlStore.
func (b *Backend) ListHitlRequests(ctx context.Context, filter store.HitlFilter) ([]*store.HitlRequest, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var matched []*store.HitlRequest
	for _, h := range b.hitl {
		if h.TenantID != filter.TenantID {
			continue
		}
		if filter.RunID != "" && h.RunID != filter.RunID {
			continue
		}
		if len(filter.Status) > 0 {
			found := false
			for _, s := range filter.Status {
				if h.Status == s {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		matched = append(matched, copyHitl(h))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if filter.Offset > 0 && filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else if filter.Offset >= len(matched) {
		matched = nil
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// ListDueHitlRequests implements store.HitlStore.
func (b *Backend) ListDueHitlRequests(ctx context.Context, now time.Time, limit int) ([]*store.HitlRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.HitlRequest
	for _, h := range b.hitl {
		if h.Status != store.HitlPending {
			continue
		}
		if h.Deadline == nil || h.Deadline.After(now) {
			continue
		}
		out = append(out, copyHitl(h))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func copyRunner(r *store.Runner) *store.Runner {
	cp := *r
	cp.Capabilities = append([]string(nil), r.Capabilities...)
	cp.Labels = copyStringMap(r.Labels)
	cp.CurrentJobs = append([]string(nil), r.CurrentJobs...)
	if r.ConnectedAt != nil {
		v := *r.ConnectedAt
		cp.ConnectedAt = &v
	}
	cp.VMConfig = copyMap(r.VMConfig)
	return &cp
}

// UpsertRunner implements store.RunnerStore.
func (b *Backend) UpsertRunner(ctx context.Context, runner *store.Runner) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runners[runner.ID] = copyRunner(runner)
	return nil
}

// GetRunner implements store.RunnerStore.
func (b *Backend) GetRunner(ctx context.Context, tenantID, id string) (*store.Runner, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.runners[id]
	if !ok || r.TenantID != tenantID {
		return nil, errs.NotFound("runner", id)
	}
	return copyRunner(r), nil
}

// GetRunnerByAPIKeyHash implements store.RunnerStore.
func (b *Backend) GetRunnerByAPIKeyHash(ctx context.Context, hash string) (*store.Runner, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.runners {
		if r.APIKeyHash == hash {
			return copyRunner(r), nil
		}
	}
	return nil, errs.NotFound("runner", "by-api-key")
}

// UpdateRunnerStatus implements store.RunnerStore.
func (b *Backend) UpdateRunnerStatus(ctx context.Context, tenantID, id string, status store.RunnerStatus, lastHeartbeatAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runners[id]
	if !ok || r.TenantID != tenantID {
		return errs.NotFound("runner", id)
	}
	cp := copyRunner(r)
	cp.Status = status
	if !lastHeartbeatAt.IsZero() {
		cp.LastHeartbeatAt = lastHeartbeatAt
	}
	b.runners[id] = cp
	return nil
}

// ListStaleRunners implements store.RunnerStore.
func (b *Backend) ListStaleRunners(ctx context.Context, cutoff time.Time, limit int) ([]*store.Runner, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.Runner
	for _, r := range b.runners {
		if r.Status == store.RunnerOnline && r.LastHeartbeatAt.Before(cutoff) {
			out = append(out, copyRunner(r))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// QueueInsert implements store.QueueStore.
func (b *Backend) QueueInsert(ctx context.Context, entry *store.QueueEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *entry
	cp.Selector.Labels = copyStringMap(entry.Selector.Labels)
	cp.Selector.Capabilities = append([]string(nil), entry.Selector.Capabilities...)
	b.queue[entry.RunID] = &cp
	return nil
}

// QueueRemove implements store.QueueStore.
func (b *Backend) QueueRemove(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queue, runID)
	return nil
}

// QueueClaim implements store.QueueStore.
func (b *Backend) QueueClaim(ctx context.Context, tenantID string, runnerLabels map[string]string, runnerCaps []string, runnerID string, now time.Time) (*store.QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capSet := make(map[string]bool, len(runnerCaps))
	for _, c := range runnerCaps {
		capSet[c] = true
	}

	var candidates []*store.QueueEntry
	for _, e := range b.queue {
		if e.TenantID != tenantID {
			continue
		}
		if e.AvailableAt.After(now) {
			continue
		}
		if !selectorMatches(e.Selector, runnerLabels, capSet, runnerID) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if a.Priority != c.Priority {
			return a.Priority < c.Priority
		}
		if !a.AvailableAt.Equal(c.AvailableAt) {
			return a.AvailableAt.Before(c.AvailableAt)
		}
		return a.EnqueuedAt.Before(c.EnqueuedAt)
	})
	winner := candidates[0]
	delete(b.queue, winner.RunID)
	cp := *winner
	return &cp, nil
}

func selectorMatches(sel store.Selector, runnerLabels map[string]string, runnerCaps map[string]bool, runnerID string) bool {
	if sel.PinnedRunnerID != "" {
		return sel.PinnedRunnerID == runnerID
	}
	for k, v := range sel.Labels {
		if runnerLabels[k] != v {
			return false
		}
	}
	for _, c := range sel.Capabilities {
		if !runnerCaps[c] {
			return false
		}
	}
	return true
}

// ListDueRetries implements store.QueueStore.
func (b *Backend) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*store.QueueEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.QueueEntry
	for _, e := range b.queue {
		if !e.AvailableAt.After(now) {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// QueueLen implements store.QueueStore.
func (b *Backend) QueueLen(ctx context.Context, tenantID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, e := range b.queue {
		if e.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// Close implements io.Closer. The memory backend owns no external
// resources.
func (b *Backend) Close() error { return nil }
