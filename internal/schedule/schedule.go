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

// Package schedule is a thin cron-driven producer of runs: it holds no
// lifecycle state of its own, it just calls engine.Create on a schedule
// and lets the normal Run state machine take over from PENDING onward.
package schedule

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/tombee/rundispatch/internal/engine"
	internallog "github.com/tombee/rundispatch/internal/log"
)

// Entry is one recurring trigger.
type Entry struct {
	Name      string
	CronExpr  string
	TenantID  string
	BotID     string
	VersionID string
	Inputs    map[string]any
	Priority  int
}

// Scheduler runs a cron.Cron instance whose jobs call engine.Create.
type Scheduler struct {
	cron   *cron.Cron
	engine *engine.Engine
	log    *slog.Logger

	mu      sync.Mutex
	started bool
}

// New constructs a Scheduler. Entries must be added with Add before Start.
func New(eng *engine.Engine, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		engine: eng,
		log:    logger,
	}
}

// Add validates entry's cron expression and registers it. Returns an error
// if the expression is malformed, matching robfig/cron's own parse error.
func (s *Scheduler) Add(entry Entry) error {
	_, err := s.cron.AddFunc(entry.CronExpr, func() {
		ctx := context.Background()
		_, err := s.engine.Create(ctx, entry.TenantID, engine.CreateSpec{
			BotID: entry.BotID, VersionID: entry.VersionID,
			Inputs: entry.Inputs, Priority: entry.Priority,
			TriggerType: "SCHEDULE", TriggeredBy: "schedule:" + entry.Name,
		})
		if err != nil {
			s.log.Warn("scheduled run creation failed", internallog.Error(err), slog.String("schedule", entry.Name))
		}
	})
	return err
}

// Start begins executing scheduled entries in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the cron loop, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	<-s.cron.Stop().Done()
}
