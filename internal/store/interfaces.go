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

package store

import (
	"context"
	"io"
	"time"
)

// RunStore is the minimal primitive the engine needs to drive the state
// machine. ConditionalUpdate is the serialization point for concurrent
// transitions: it succeeds only if the run's current status is one of
// whereStatusIn, and reports how many rows it actually touched.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, tenantID, id string) (*Run, error)
	// ConditionalUpdateRun applies patch to the run iff its current status
	// is in whereStatusIn. Returns 0 rowsAffected if the predicate failed
	// (not an error) so callers can distinguish "already moved on" from an
	// infra failure.
	ConditionalUpdateRun(ctx context.Context, tenantID, id string, whereStatusIn []Status, patch func(*Run)) (rowsAffected int, err error)
}

// RunFilter narrows RunLister.ListRuns.
type RunFilter struct {
	TenantID    string
	Status      []Status
	BotID       string
	ParentRunID *string
	RunnerID    string
	Limit       int
	Offset      int
}

// RunLister supports paged observability queries over runs.
type RunLister interface {
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, int, error)
	ListChildren(ctx context.Context, tenantID, parentRunID string) ([]*Run, error)
	// ListDueForRetry returns RETRY_SCHEDULED runs (across all tenants)
	// whose NextRetryAt has passed, for the tick's retry-promotion pass.
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*Run, error)
	// ListTimedOut returns non-terminal runs (across all tenants) whose
	// TimeoutAt has passed, for the tick's timeout sweep.
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Run, error)
}

// EventFilter narrows EventStore.ListEvents.
type EventFilter struct {
	TenantID string
	RunID    string
	Limit    int
	Offset   int
}

// EventStore appends and lists the immutable run timeline.
type EventStore interface {
	InsertEvent(ctx context.Context, event *RunEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*RunEvent, int, error)
}

// LogFilter narrows LogStore.ListLogs.
type LogFilter struct {
	TenantID string
	RunID    string
	Limit    int
	Offset   int
}

// LogStore appends and lists structured run logs.
type LogStore interface {
	InsertLog(ctx context.Context, line *RunLog) error
	ListLogs(ctx context.Context, filter LogFilter) ([]*RunLog, int, error)
}

// HitlFilter narrows HitlStore.ListHitlRequests.
type HitlFilter struct {
	TenantID string
	RunID    string
	Status   []HitlStatus
	Limit    int
	Offset   int
}

// HitlStore persists HITL approval requests.
type HitlStore interface {
	InsertHitl(ctx context.Context, req *HitlRequest) error
	GetHitl(ctx context.Context, tenantID, id string) (*HitlRequest, error)
	// ConditionalResolveHitl applies patch iff the request's current status
	// is PENDING, mirroring RunStore's conditional update primitive.
	ConditionalResolveHitl(ctx context.Context, tenantID, id string, patch func(*HitlRequest)) (rowsAffected int, err error)
	ListHitlRequests(ctx context.Context, filter HitlFilter) ([]*HitlRequest, int, error)
	// ListDueHitlRequests returns PENDING requests with a Deadline at or
	// before `now`, for the tick's HITL expiry pass. It does not look at
	// AutoExpire; engine.ExpireHitl skips requests whose run lacks it.
	ListDueHitlRequests(ctx context.Context, now time.Time, limit int) ([]*HitlRequest, error)
}

// RunnerStore persists runner registrations and their liveness state.
type RunnerStore interface {
	UpsertRunner(ctx context.Context, runner *Runner) error
	GetRunner(ctx context.Context, tenantID, id string) (*Runner, error)
	GetRunnerByAPIKeyHash(ctx context.Context, hash string) (*Runner, error)
	UpdateRunnerStatus(ctx context.Context, tenantID, id string, status RunnerStatus, lastHeartbeatAt time.Time) error
	// ListStaleRunners returns ONLINE runners whose heartbeat is older than
	// the cutoff, for the tick's stale-runner sweep.
	ListStaleRunners(ctx context.Context, cutoff time.Time, limit int) ([]*Runner, error)
}

// QueueStore is the Run Store's persistence of QueueEntry rows. The
// in-memory claim ordering/signal mechanics live in internal/queue; this is
// the durable backing a restart must recover from.
type QueueStore interface {
	QueueInsert(ctx context.Context, entry *QueueEntry) error
	QueueRemove(ctx context.Context, runID string) error
	// QueueClaim returns and deletes, atomically, the highest-priority
	// entry with AvailableAt <= now matching selector against the given
	// runner profile. Returns nil if none match.
	QueueClaim(ctx context.Context, tenantID string, runnerLabels map[string]string, runnerCaps []string, runnerID string, now time.Time) (*QueueEntry, error)
	// ListDueRetries returns the QueueEntry rows whose AvailableAt is at or
	// before `now`, whatever their run's status. The tick's retry-promotion
	// pass does not use it; it lists RETRY_SCHEDULED runs through
	// RunLister.ListDueForRetry.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*QueueEntry, error)
	QueueLen(ctx context.Context, tenantID string) (int, error)
}

// Backend composes every store capability. Concrete backends (sqlite,
// memory) implement this in full; test doubles may implement only RunStore.
type Backend interface {
	RunStore
	RunLister
	EventStore
	LogStore
	HitlStore
	RunnerStore
	QueueStore
	io.Closer
}
