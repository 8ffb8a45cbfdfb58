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

// Command rundispatchd runs the run dispatch core as a standalone daemon:
// the Control API, the runner gateway, the tick sweeps and the cron
// scheduler all in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/rundispatch/internal/config"
	"github.com/tombee/rundispatch/internal/daemon"
	"github.com/tombee/rundispatch/internal/log"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to a YAML config overlay")
		backend     = flag.String("backend", "", "Storage backend (memory, sqlite)")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database path")
		listenAddr  = flag.String("listen", "", "Control API listen address")
		gatewayAddr = flag.String("gateway-listen", "", "Runner gateway listen address")
		metricsAddr = flag.String("metrics-listen", "", "Prometheus metrics listen address")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("rundispatchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg := config.FromEnv()
	if *configFile != "" {
		if err := config.LoadFile(cfg, *configFile); err != nil {
			logger.Error("failed to load config file", log.Error(err))
			os.Exit(1)
		}
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *sqlitePath != "" {
		cfg.SQLitePath = *sqlitePath
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *gatewayAddr != "" {
		cfg.GatewayAddr = *gatewayAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	d, err := daemon.New(cfg)
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start daemon", log.Error(err))
		os.Exit(1)
	}
	logger.Info("rundispatchd started",
		slog.String("listen", cfg.ListenAddr),
		slog.String("gatewayListen", cfg.GatewayAddr),
		slog.String("backend", cfg.Backend))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := d.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", log.Error(err))
		os.Exit(1)
	}
}
