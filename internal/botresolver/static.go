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

// Package botresolver provides a minimal engine.BotResolver. Bot authoring,
// DSL compilation and artifact packaging live outside this subsystem; the
// core only ever consumes an opaque {planHash, compiledPlan} descriptor for
// a bot version. Static is a registry of those descriptors for deployments
// that publish bot versions out of band (e.g. a CI step writing to this
// registry, or another service calling Put over an internal API this
// subsystem does not define).
package botresolver

import (
	"context"
	"sync"

	"github.com/tombee/rundispatch/internal/engine"
	"github.com/tombee/rundispatch/internal/errs"
)

// Static resolves bot versions from an in-memory map, keyed by
// botID+"/"+versionID. An empty versionID resolves to the bot's most
// recently published version.
type Static struct {
	mu       sync.RWMutex
	versions map[string]engine.BotVersion
	latest   map[string]string // botID -> versionID
}

// NewStatic constructs an empty registry.
func NewStatic() *Static {
	return &Static{
		versions: make(map[string]engine.BotVersion),
		latest:   make(map[string]string),
	}
}

// Put registers a bot version descriptor and marks it the bot's latest.
func (s *Static) Put(botID string, v engine.BotVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[botID+"/"+v.ID] = v
	s.latest[botID] = v.ID
}

// Resolve implements engine.BotResolver.
func (s *Static) Resolve(_ context.Context, _, botID, versionID string) (engine.BotVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if versionID == "" {
		versionID = s.latest[botID]
	}
	v, ok := s.versions[botID+"/"+versionID]
	if !ok {
		return engine.BotVersion{}, errs.NotFound("bot_version", botID+"/"+versionID)
	}
	return v, nil
}
