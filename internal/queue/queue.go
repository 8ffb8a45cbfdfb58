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

// Package queue is the tenant-aware priority queue of runs awaiting a
// runner. It wraps a store.QueueStore with the in-memory signal channel
// that lets the gateway's assignment loop wake up on enqueue instead of
// waiting for its next poll, and layers expr-lang predicate matching on top of the store's
// literal label/capability subset checks.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/store"
)

// nowFunc is a package-level indirection so tests can control claim timing
// without threading a clock through every call site.
var nowFunc = time.Now

// RunnerProfile is what the gateway presents when asking the queue for
// work: the connected runner's identity, labels and capabilities.
type RunnerProfile struct {
	RunnerID     string
	Labels       map[string]string
	Capabilities []string
}

// Queue is the priority queue facade used by the Lifecycle Engine (to
// enqueue) and the Gateway (to claim).
type Queue struct {
	backend store.QueueStore

	signal chan struct{} // capacity 1, at-most-one coalescing

	programCache sync.Map // selector expr string -> *vm.Program
}

// New constructs a Queue backed by the given store.
func New(backend store.QueueStore) *Queue {
	return &Queue{
		backend: backend,
		signal:  make(chan struct{}, 1),
	}
}

// Signal returns the channel the assignment loop selects on to learn that
// new work may be available. Sends are coalesced: multiple Enqueue calls
// between two receives only ever leave one pending signal.
func (q *Queue) Signal() <-chan struct{} { return q.signal }

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue inserts entry and wakes any waiting assignment loop.
func (q *Queue) Enqueue(ctx context.Context, entry *store.QueueEntry) error {
	if err := q.backend.QueueInsert(ctx, entry); err != nil {
		return errs.Wrap(err, "enqueuing run")
	}
	q.wake()
	return nil
}

// Remove deletes the QueueEntry for runID, if any. Idempotent.
func (q *Queue) Remove(ctx context.Context, runID string) error {
	return q.backend.QueueRemove(ctx, runID)
}

// maxClaimAttempts bounds how many store-level claims Queue.Claim will pull
// and re-queue while searching for one whose Expr predicate matches; this
// keeps a pathological selector from looping the assignment pass forever.
const maxClaimAttempts = 16

// Claim returns the highest-priority entry matching profile, or nil if
// none is currently available. Entries whose literal labels/capabilities
// match but whose optional Expr predicate does not are put back and the
// next candidate is tried, up to maxClaimAttempts.
func (q *Queue) Claim(ctx context.Context, tenantID string, profile RunnerProfile) (*store.QueueEntry, error) {
	var requeued []*store.QueueEntry
	defer func() {
		for _, e := range requeued {
			_ = q.backend.QueueInsert(ctx, e)
		}
	}()

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		entry, err := q.backend.QueueClaim(ctx, tenantID, profile.Labels, profile.Capabilities, profile.RunnerID, nowFunc())
		if err != nil {
			return nil, errs.Wrap(err, "claiming queue entry")
		}
		if entry == nil {
			return nil, nil
		}
		if entry.Selector.Expr == "" {
			return entry, nil
		}
		ok, err := q.evalExpr(entry.Selector.Expr, profile)
		if err != nil {
			// A broken predicate never matches; the run stays queued for
			// an operator to fix the selector. The evaluation error is
			// neither returned nor logged.
			requeued = append(requeued, entry)
			continue
		}
		if ok {
			return entry, nil
		}
		requeued = append(requeued, entry)
	}
	return nil, nil
}

func (q *Queue) evalExpr(exprStr string, profile RunnerProfile) (bool, error) {
	var program *vm.Program
	if cached, ok := q.programCache.Load(exprStr); ok {
		program = cached.(*vm.Program)
	} else {
		env := map[string]any{
			"labels":       map[string]string{},
			"capabilities": []string{},
			"runnerId":     "",
		}
		compiled, err := expr.Compile(exprStr, expr.Env(env), expr.AsBool())
		if err != nil {
			return false, errs.Wrap(err, "compiling selector expression")
		}
		program = compiled
		q.programCache.Store(exprStr, program)
	}

	out, err := expr.Run(program, map[string]any{
		"labels":       profile.Labels,
		"capabilities": profile.Capabilities,
		"runnerId":     profile.RunnerID,
	})
	if err != nil {
		return false, errs.Wrap(err, "evaluating selector expression")
	}
	matched, _ := out.(bool)
	return matched, nil
}

// Len reports the current queue depth for a tenant, for metrics.
func (q *Queue) Len(ctx context.Context, tenantID string) (int, error) {
	return q.backend.QueueLen(ctx, tenantID)
}
