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

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tombee/rundispatch/internal/api/authctx"
	"github.com/tombee/rundispatch/internal/engine"
	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/store"
)

// createRunRequest is the body for POST /v1/runs.
type createRunRequest struct {
	BotID          string             `json:"botId"`
	VersionID      string             `json:"versionId,omitempty"`
	Inputs         map[string]any     `json:"inputs,omitempty"`
	Priority       int                `json:"priority,omitempty"`
	TriggerType    string             `json:"triggerType,omitempty"`
	ParentRunID    string             `json:"parentRunId,omitempty"`
	TimeoutSeconds int                `json:"timeoutSeconds,omitempty"`
	Retry          *store.RetryPolicy `json:"retry,omitempty"`
	HitlConfig     *store.HitlConfig  `json:"hitlConfig,omitempty"`
	Selector       store.Selector     `json:"selector,omitempty"`
	Tags           []string           `json:"tags,omitempty"`
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	p, ok := authctx.FromContext(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "FORBIDDEN", "missing principal")
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "invalid request body")
		return
	}
	if req.BotID == "" {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "botId is required")
		return
	}

	triggerType := store.TriggerManual
	if req.TriggerType != "" {
		triggerType = store.TriggerType(req.TriggerType)
	}

	run, err := h.engine.Create(r.Context(), p.TenantID, engine.CreateSpec{
		BotID:       req.BotID,
		VersionID:   req.VersionID,
		Inputs:      req.Inputs,
		Priority:    req.Priority,
		TriggerType: triggerType,
		TriggeredBy: p.ActorID,
		ParentRunID: req.ParentRunID,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
		Retry:       req.Retry,
		HitlConfig:  req.HitlConfig,
		Selector:    req.Selector,
		Tags:        req.Tags,
	})
	if err != nil {
		writeClientError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	p, ok := authctx.FromContext(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "FORBIDDEN", "missing principal")
		return
	}

	filter := store.RunFilter{TenantID: p.TenantID}
	q := r.URL.Query()
	if botID := q.Get("botId"); botID != "" {
		filter.BotID = botID
	}
	if runnerID := q.Get("runnerId"); runnerID != "" {
		filter.RunnerID = runnerID
	}
	if status := q.Get("status"); status != "" {
		filter.Status = []store.Status{store.Status(status)}
	}
	filter.Limit = parseIntDefault(q.Get("limit"), 50)
	filter.Offset = parseIntDefault(q.Get("offset"), 0)

	runs, total, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": total})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	p, _ := authctx.FromContext(r.Context())
	runID := chi.URLParam(r, "runID")

	run, err := h.store.GetRun(r.Context(), p.TenantID, runID)
	if err != nil {
		writeClientError(w, errs.NotFound("run", runID))
		return
	}

	children, _ := h.store.ListChildren(r.Context(), p.TenantID, runID)
	_, eventCount, _ := h.store.ListEvents(r.Context(), store.EventFilter{TenantID: p.TenantID, RunID: runID, Limit: 1})

	writeJSON(w, http.StatusOK, map[string]any{
		"run":        run,
		"childCount": len(children),
		"eventCount": eventCount,
	})
}

type cancelRunRequest struct {
	Reason          string `json:"reason,omitempty"`
	CascadeChildren bool   `json:"cascadeChildren,omitempty"`
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	p, _ := authctx.FromContext(r.Context())
	runID := chi.URLParam(r, "runID")

	var req cancelRunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.engine.Cancel(r.Context(), p.TenantID, runID, p.ActorID, req.Reason, req.CascadeChildren, h.sink); err != nil {
		writeClientError(w, err)
		return
	}
	run, err := h.store.GetRun(r.Context(), p.TenantID, runID)
	if err != nil {
		writeClientError(w, errs.NotFound("run", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type pauseResumeRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) pauseRun(w http.ResponseWriter, r *http.Request) {
	p, _ := authctx.FromContext(r.Context())
	runID := chi.URLParam(r, "runID")
	var req pauseResumeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.engine.Pause(r.Context(), p.TenantID, runID, p.ActorID, h.sink); err != nil {
		writeClientError(w, err)
		return
	}
	h.writeRunOrError(w, r, p.TenantID, runID)
}

func (h *Handler) resumeRun(w http.ResponseWriter, r *http.Request) {
	p, _ := authctx.FromContext(r.Context())
	runID := chi.URLParam(r, "runID")

	if err := h.engine.Resume(r.Context(), p.TenantID, runID, p.ActorID, h.sink); err != nil {
		writeClientError(w, err)
		return
	}
	h.writeRunOrError(w, r, p.TenantID, runID)
}

type retryRunRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
}

func (h *Handler) retryRun(w http.ResponseWriter, r *http.Request) {
	p, _ := authctx.FromContext(r.Context())
	runID := chi.URLParam(r, "runID")

	var req retryRunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	run, err := h.engine.RetryRun(r.Context(), p.TenantID, runID, req.Inputs)
	if err != nil {
		writeClientError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	p, _ := authctx.FromContext(r.Context())
	runID := chi.URLParam(r, "runID")
	q := r.URL.Query()

	events, total, err := h.store.ListEvents(r.Context(), store.EventFilter{
		TenantID: p.TenantID, RunID: runID,
		Limit: parseIntDefault(q.Get("limit"), 100), Offset: parseIntDefault(q.Get("offset"), 0),
	})
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": total})
}

func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	p, _ := authctx.FromContext(r.Context())
	runID := chi.URLParam(r, "runID")
	q := r.URL.Query()

	logs, total, err := h.store.ListLogs(r.Context(), store.LogFilter{
		TenantID: p.TenantID, RunID: runID,
		Limit: parseIntDefault(q.Get("limit"), 200), Offset: parseIntDefault(q.Get("offset"), 0),
	})
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "failed to list logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "total": total})
}

func (h *Handler) writeRunOrError(w http.ResponseWriter, r *http.Request, tenantID, runID string) {
	run, err := h.store.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		writeClientError(w, errs.NotFound("run", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
