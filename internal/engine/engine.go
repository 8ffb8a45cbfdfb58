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

// Package engine is the Run Lifecycle Engine: the sole owner of Run state.
// Every status change in the system goes through one of its methods.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/eventbus"
	internallog "github.com/tombee/rundispatch/internal/log"
	"github.com/tombee/rundispatch/internal/queue"
	"github.com/tombee/rundispatch/internal/store"
)

// MaxDepth bounds nested parent/child runs per invariant I2.
const MaxDepth = 10

// BotVersion is the opaque descriptor the engine needs from bot
// authoring/compilation, which is out of this subsystem's scope.
type BotVersion struct {
	ID       string
	Status   string // "COMPILED" or "PUBLISHED"
	PlanHash string
}

// BotResolver resolves a bot + optional version to its compiled plan
// descriptor. Bot authoring and DSL compilation are external collaborators.
type BotResolver interface {
	Resolve(ctx context.Context, tenantID, botID, versionID string) (BotVersion, error)
}

// QuotaChecker enforces tenant quotas (max concurrent runs, max monthly
// runs). Quota accounting is an external collaborator; the engine only
// calls out to it at create time.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, tenantID string) error
}

// NoopQuotaChecker always allows the run. Used when no quota system is
// wired.
type NoopQuotaChecker struct{}

// CheckQuota implements QuotaChecker.
func (NoopQuotaChecker) CheckQuota(ctx context.Context, tenantID string) error { return nil }

// Engine is the Run Lifecycle Engine.
type Engine struct {
	store store.Backend
	queue *queue.Queue
	bus   *eventbus.Bus
	log   *slog.Logger

	bots   BotResolver
	quotas QuotaChecker

	now func() time.Time
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithQuotaChecker overrides the default no-op quota checker.
func WithQuotaChecker(q QuotaChecker) Option { return func(e *Engine) { e.quotas = q } }

// WithClock overrides the engine's time source, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New constructs an Engine.
func New(backend store.Backend, q *queue.Queue, bus *eventbus.Bus, bots BotResolver, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  backend,
		queue:  q,
		bus:    bus,
		log:    logger,
		bots:   bots,
		quotas: NoopQuotaChecker{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateSpec is the client-supplied payload for Create.
type CreateSpec struct {
	BotID       string
	VersionID   string
	Inputs      map[string]any
	Priority    int
	TriggerType store.TriggerType
	TriggeredBy string
	ParentRunID string // empty for a top-level run
	Timeout     time.Duration
	Retry       *store.RetryPolicy
	HitlConfig  *store.HitlConfig
	Selector    store.Selector
	Tags        []string
	Labels      map[string]string
}

// Create validates quotas and the bot version, computes depth/rootRunId,
// persists a PENDING run, and enqueues it.
func (e *Engine) Create(ctx context.Context, tenantID string, spec CreateSpec) (*store.Run, error) {
	if err := e.quotas.CheckQuota(ctx, tenantID); err != nil {
		return nil, &errs.ClientError{Code: errs.CodeQuotaExceeded, Message: err.Error()}
	}

	bv, err := e.bots.Resolve(ctx, tenantID, spec.BotID, spec.VersionID)
	if err != nil {
		return nil, errs.NotFound("bot_version", spec.VersionID)
	}
	if bv.Status != "COMPILED" && bv.Status != "PUBLISHED" || bv.PlanHash == "" {
		return nil, &errs.ClientError{Code: errs.CodeBotNotCompiled, Message: "bot version is not compiled or published"}
	}

	depth := 0
	rootRunID := ""
	var parentRunID *string
	if spec.ParentRunID != "" {
		parent, err := e.store.GetRun(ctx, tenantID, spec.ParentRunID)
		if err != nil {
			return nil, errs.NotFound("run", spec.ParentRunID)
		}
		depth = parent.Depth + 1
		if depth > MaxDepth {
			return nil, &errs.ClientError{Code: errs.CodeDepthExceeded, Message: "max nesting depth exceeded"}
		}
		rootRunID = parent.RootRunID
		pid := parent.ID
		parentRunID = &pid
	}

	priority := spec.Priority
	if priority == 0 {
		priority = 3
	}

	retry := store.RetryPolicy{DelaySeconds: 10, BackoffMultiplier: 2, MaxDelaySeconds: 3600}
	if spec.Retry != nil {
		retry = *spec.Retry
	}

	timeoutSeconds := int(spec.Timeout.Seconds())
	if timeoutSeconds <= 0 {
		timeoutSeconds = 3600
	}

	now := e.now()
	id := uuid.NewString()
	if rootRunID == "" {
		rootRunID = id
	}

	requiresApproval := spec.HitlConfig != nil

	run := &store.Run{
		ID:               id,
		TenantID:         tenantID,
		BotID:            spec.BotID,
		BotVersionID:     bv.ID,
		PlanHash:         bv.PlanHash,
		Status:           store.StatusPending,
		Priority:         priority,
		TriggerType:      spec.TriggerType,
		TriggeredBy:      spec.TriggeredBy,
		ParentRunID:      parentRunID,
		RootRunID:        rootRunID,
		Depth:            depth,
		Inputs:           spec.Inputs,
		TimeoutSeconds:   timeoutSeconds,
		TimeoutAt:        now.Add(time.Duration(timeoutSeconds) * time.Second),
		Retry:            retry,
		RequiresApproval: requiresApproval,
		HitlConfig:       spec.HitlConfig,
		Selector:         spec.Selector,
		Tags:             spec.Tags,
		Labels:           spec.Labels,
		CreatedAt:        now,
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, errs.Wrap(err, "persisting run")
	}

	if err := e.Enqueue(ctx, run); err != nil {
		return nil, err
	}
	run.Status = store.StatusQueued
	return run, nil
}

// Enqueue transitions a PENDING (or RETRY_SCHEDULED, via the tick) run to
// QUEUED and inserts its QueueEntry. Promoting out of RETRY_SCHEDULED is
// where retryCount actually advances, per the FSM: RETRY_SCHEDULED ->
// QUEUED, retryCount += 1.
func (e *Engine) Enqueue(ctx context.Context, run *store.Run) error {
	now := e.now()
	rows, err := e.store.ConditionalUpdateRun(ctx, run.TenantID, run.ID, []store.Status{store.StatusPending, store.StatusRetryScheduled}, func(r *store.Run) {
		if r.Status == store.StatusRetryScheduled {
			r.RetryCount++
		}
		r.Status = store.StatusQueued
		r.QueuedAt = &now
	})
	if err != nil {
		return errs.Wrap(err, "marking run queued")
	}
	if rows == 0 {
		return nil
	}

	entry := &store.QueueEntry{
		RunID:       run.ID,
		TenantID:    run.TenantID,
		Priority:    run.Priority,
		EnqueuedAt:  now,
		AvailableAt: now,
		Selector:    run.Selector,
	}
	if err := e.queue.Enqueue(ctx, entry); err != nil {
		return err
	}

	e.emit(ctx, run.TenantID, run.ID, store.EventRunQueued, store.SeverityInfo, "", "", nil)
	return nil
}

func (e *Engine) emit(ctx context.Context, tenantID, runID string, eventType store.EventType, severity store.Severity, stepID, nodeID string, payload map[string]any) {
	ev := &store.RunEvent{
		ID:        uuid.NewString(),
		RunID:     runID,
		TenantID:  tenantID,
		EventType: eventType,
		Severity:  severity,
		StepID:    stepID,
		NodeID:    nodeID,
		Payload:   payload,
		Timestamp: e.now(),
	}
	if err := e.store.InsertEvent(ctx, ev); err != nil {
		// Best-effort telemetry: event insertion failures never fail the
		// mutating operation they accompany.
		e.log.Warn("failed to persist run event", internallog.Error(err), slog.String(internallog.RunIDKey, runID), slog.String("event_type", string(eventType)))
	}
	e.bus.Publish(eventbus.RunTopic(runID), eventbus.Event{Kind: "run_event", Run: ev})
}
