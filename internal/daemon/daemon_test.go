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

package daemon_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/config"
	"github.com/tombee/rundispatch/internal/daemon"
	"github.com/tombee/rundispatch/internal/engine"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backend = "memory"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.GatewayAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.JWTSigningKey = "test-signing-key"
	return cfg
}

func TestNewWiresEveryComponentWithAMemoryBackend(t *testing.T) {
	d, err := daemon.New(testConfig())
	require.NoError(t, err)
	require.NotNil(t, d.BotResolver())
}

func TestStartThenStopIsClean(t *testing.T) {
	d, err := daemon.New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, d.Start(ctx))
	// starting twice is a no-op, not a double-bind
	require.NoError(t, d.Start(ctx))

	require.NoError(t, d.Stop(context.Background()))
	// stopping twice is a no-op
	require.NoError(t, d.Stop(context.Background()))
}

func TestBotResolverPublishesAResolvableVersion(t *testing.T) {
	d, err := daemon.New(testConfig())
	require.NoError(t, err)

	d.BotResolver().Put("bot-1", engine.BotVersion{ID: "v1", Status: "PUBLISHED", PlanHash: "h1"})

	v, err := d.BotResolver().Resolve(context.Background(), "tenant-a", "bot-1", "")
	require.NoError(t, err)
	require.Equal(t, "h1", v.PlanHash)
}
