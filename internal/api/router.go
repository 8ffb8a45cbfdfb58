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

// Package api is the Control API: the tenant-scoped HTTP surface consumed
// by the UI and external clients. Permission gating beyond the
// {tenantId, actorId, scopes} triple is external middleware's job; this
// package only translates HTTP to engine/store calls.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tombee/rundispatch/internal/api/authctx"
	"github.com/tombee/rundispatch/internal/engine"
	"github.com/tombee/rundispatch/internal/store"
)

// Config wires a Handler's collaborators.
type Config struct {
	Engine     *engine.Engine
	Store      store.Backend
	Auth       authctx.Config
	Logger     *slog.Logger
	CancelSink engine.CancelSink
}

// Handler implements the Control API.
type Handler struct {
	engine *engine.Engine
	store  store.Backend
	sink   engine.CancelSink
	log    *slog.Logger
}

// NewRouter builds the chi router for the Control API.
func NewRouter(cfg Config) http.Handler {
	h := &Handler{engine: cfg.Engine, store: cfg.Store, sink: cfg.CancelSink, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(requestLogger(cfg.Logger))
	r.Use(authctx.Middleware(cfg.Auth))

	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", h.createRun)
		r.Get("/", h.listRuns)
		r.Get("/{runID}", h.getRun)
		r.Post("/{runID}/cancel", h.cancelRun)
		r.Post("/{runID}/pause", h.pauseRun)
		r.Post("/{runID}/resume", h.resumeRun)
		r.Post("/{runID}/retry", h.retryRun)
		r.Get("/{runID}/events", h.getEvents)
		r.Get("/{runID}/logs", h.getLogs)
	})

	r.Route("/v1/hitl-requests", func(r chi.Router) {
		r.Get("/", h.listHitlRequests)
		r.Post("/{requestID}/action", h.processHitlAction)
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("api request", slog.String("method", r.Method), slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()), slog.Duration("elapsed", time.Since(start)))
		})
	}
}
