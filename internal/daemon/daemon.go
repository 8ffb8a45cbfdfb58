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

// Package daemon wires the run dispatch core's components into a single
// running process: store, engine, queue, event bus, runner gateway, tick
// sweeps, the Control API and the cron scheduler.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/rundispatch/internal/api"
	"github.com/tombee/rundispatch/internal/api/authctx"
	"github.com/tombee/rundispatch/internal/botresolver"
	"github.com/tombee/rundispatch/internal/config"
	"github.com/tombee/rundispatch/internal/engine"
	"github.com/tombee/rundispatch/internal/eventbus"
	"github.com/tombee/rundispatch/internal/gateway"
	internallog "github.com/tombee/rundispatch/internal/log"
	"github.com/tombee/rundispatch/internal/metrics"
	"github.com/tombee/rundispatch/internal/queue"
	"github.com/tombee/rundispatch/internal/registry"
	"github.com/tombee/rundispatch/internal/schedule"
	"github.com/tombee/rundispatch/internal/store"
	"github.com/tombee/rundispatch/internal/store/memory"
	"github.com/tombee/rundispatch/internal/store/sqlite"
	"github.com/tombee/rundispatch/internal/tick"
)

// Daemon is the run dispatch process: it owns every component's lifecycle.
type Daemon struct {
	cfg *config.Config

	backend  store.Backend
	bus      *eventbus.Bus
	queue    *queue.Queue
	registry *registry.Registry
	engine   *engine.Engine
	gateway  *gateway.Gateway
	ticker   *tick.Ticker
	sched    *schedule.Scheduler
	bots     *botresolver.Static
	metrics  *metrics.Metrics

	apiServer     *http.Server
	gatewayServer *http.Server
	metricsServer *http.Server

	mu      sync.Mutex
	started bool
}

// New constructs a Daemon from cfg. The returned Daemon owns the storage
// backend and must be Stopped.
func New(cfg *config.Config) (*Daemon, error) {
	logger := internallog.New(internallog.FromEnv())

	var backend store.Backend
	switch cfg.Backend {
	case "memory":
		backend = memory.New()
	default:
		be, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite backend: %w", err)
		}
		backend = be
	}

	m := metrics.New()

	bus := eventbus.New(256, m.EventBusDropHandler)
	q := queue.New(backend)
	reg := registry.New()
	bots := botresolver.NewStatic()

	eng := engine.New(backend, q, bus, bots, internallog.WithComponent(logger, "engine"))

	gw := gateway.New(gateway.Config{
		Backend:  backend,
		Registry: reg,
		Queue:    q,
		Engine:   eng,
		Logger:   internallog.WithComponent(logger, "gateway"),
	})

	tk := tick.New(backend, eng, reg, gw, internallog.WithComponent(logger, "tick"))

	sched := schedule.New(eng, internallog.WithComponent(logger, "schedule"))

	apiHandler := api.NewRouter(api.Config{
		Engine: eng,
		Store:  backend,
		Auth: authctx.Config{
			SigningKey: []byte(cfg.JWTSigningKey),
			ClockSkew:  5 * time.Second,
		},
		Logger:     internallog.WithComponent(logger, "api"),
		CancelSink: gw,
	})

	reg2 := prometheus.NewRegistry()
	m.Register(reg2)

	d := &Daemon{
		cfg:      cfg,
		backend:  backend,
		bus:      bus,
		queue:    q,
		registry: reg,
		engine:   eng,
		gateway:  gw,
		ticker:   tk,
		sched:    sched,
		bots:     bots,
		metrics:  m,
		apiServer: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: apiHandler,
		},
		gatewayServer: &http.Server{
			Addr:    cfg.GatewayAddr,
			Handler: gw,
		},
		metricsServer: &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(reg2, promhttp.HandlerOpts{}),
		},
	}

	return d, nil
}

// BotResolver exposes the daemon's static bot version registry so an
// out-of-band publisher can populate it.
func (d *Daemon) BotResolver() *botresolver.Static { return d.bots }

// Start begins serving the Control API, the runner gateway and the metrics
// endpoint, and starts the background tick/assignment/schedule loops.
// Serving happens in background goroutines; Start returns immediately.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.started = true

	d.ticker.Start(ctx)
	go d.gateway.RunAssignmentLoop(ctx)
	d.sched.Start()

	go func() { _ = d.apiServer.ListenAndServe() }()
	go func() { _ = d.gatewayServer.ListenAndServe() }()
	go func() { _ = d.metricsServer.ListenAndServe() }()

	return nil
}

// Stop gracefully shuts down every listener and background loop.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false

	d.sched.Stop()
	d.ticker.Stop()
	d.gateway.Shutdown()

	_ = d.apiServer.Shutdown(ctx)
	_ = d.gatewayServer.Shutdown(ctx)
	_ = d.metricsServer.Shutdown(ctx)

	return d.backend.Close()
}
