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

// Package tick runs the periodic sweeps that drive time-based transitions
// the Runner Protocol never triggers directly: retry promotion, run
// timeouts, HITL expiry and stale-runner detection.
package tick

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/rundispatch/internal/engine"
	internallog "github.com/tombee/rundispatch/internal/log"
	"github.com/tombee/rundispatch/internal/registry"
	"github.com/tombee/rundispatch/internal/store"
)

// Interval is how often the four sweeps run.
const Interval = 5 * time.Second

// SweepLimit bounds how many rows a single pass of any sweep will touch,
// so one tick never blocks behind an unbounded backlog.
const SweepLimit = 1000

// CancelSink is the same gateway-backed interface the engine uses to
// notify a runner of a cancelled job.
type CancelSink interface {
	Cancel(ctx context.Context, runnerID, runID string)
}

// Ticker runs the four sweeps on Interval until stopped.
type Ticker struct {
	store    store.Backend
	engine   *engine.Engine
	registry *registry.Registry
	sink     CancelSink
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Ticker.
func New(backend store.Backend, eng *engine.Engine, reg *registry.Registry, sink CancelSink, logger *slog.Logger) *Ticker {
	return &Ticker{store: backend, engine: eng, registry: reg, sink: sink, log: logger}
}

// Start runs the sweep loop in a background goroutine.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	go t.run(ctx)
}

// Stop halts the sweep loop and waits for the in-flight pass to finish.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()
	<-t.doneCh
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.doneCh)

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.sweep(ctx, now)
		}
	}
}

// sweep runs the four passes in a fixed order. Each pass is independent and
// a failure in one never blocks the others.
func (t *Ticker) sweep(ctx context.Context, now time.Time) {
	if err := t.promoteRetries(ctx, now); err != nil {
		t.log.Warn("retry promotion pass failed", internallog.Error(err))
	}
	if err := t.sweepTimeouts(ctx, now); err != nil {
		t.log.Warn("timeout sweep failed", internallog.Error(err))
	}
	if err := t.expireHitl(ctx, now); err != nil {
		t.log.Warn("hitl expiry pass failed", internallog.Error(err))
	}
	if err := t.sweepStaleRunners(ctx, now); err != nil {
		t.log.Warn("stale runner sweep failed", internallog.Error(err))
	}
}
