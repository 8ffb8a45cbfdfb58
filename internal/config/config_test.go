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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/config"
)

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("RUNDISPATCH_BACKEND", "memory")
	t.Setenv("RUNDISPATCH_LISTEN_ADDR", ":9999")
	t.Setenv("RUNDISPATCH_TICK_INTERVAL", "2s")

	cfg := config.FromEnv()
	require.Equal(t, "memory", cfg.Backend)
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, 2*time.Second, cfg.TickInterval)
	require.Equal(t, ":8081", cfg.GatewayAddr) // untouched default
}

func TestFromEnvIgnoresAMalformedDuration(t *testing.T) {
	t.Setenv("RUNDISPATCH_TICK_INTERVAL", "not-a-duration")
	cfg := config.FromEnv()
	require.Equal(t, 5*time.Second, cfg.TickInterval)
}

func TestLoadFileOverlaysOnlyNonZeroFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: \":7000\"\n"), 0o644))

	cfg := config.DefaultConfig()
	require.NoError(t, config.LoadFile(cfg, path))

	require.Equal(t, ":7000", cfg.ListenAddr)
	require.Equal(t, "sqlite", cfg.Backend) // default preserved
}

func TestLoadFileReturnsAnErrorForAMissingFile(t *testing.T) {
	cfg := config.DefaultConfig()
	err := config.LoadFile(cfg, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
