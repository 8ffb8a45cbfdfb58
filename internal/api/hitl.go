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

	"github.com/go-chi/chi/v5"

	"github.com/tombee/rundispatch/internal/api/authctx"
	"github.com/tombee/rundispatch/internal/store"
)

func (h *Handler) listHitlRequests(w http.ResponseWriter, r *http.Request) {
	p, _ := authctx.FromContext(r.Context())
	q := r.URL.Query()

	filter := store.HitlFilter{
		TenantID: p.TenantID,
		RunID:    q.Get("runId"),
		Limit:    parseIntDefault(q.Get("limit"), 50),
		Offset:   parseIntDefault(q.Get("offset"), 0),
	}
	if status := q.Get("status"); status != "" {
		filter.Status = []store.HitlStatus{store.HitlStatus(status)}
	}

	reqs, total, err := h.store.ListHitlRequests(r.Context(), filter)
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "failed to list hitl requests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hitlRequests": reqs, "total": total})
}

type processHitlActionRequest struct {
	Action       string         `json:"action"`
	Comments     string         `json:"comments,omitempty"`
	ModifiedData map[string]any `json:"modifiedData,omitempty"`
}

func (h *Handler) processHitlAction(w http.ResponseWriter, r *http.Request) {
	p, _ := authctx.FromContext(r.Context())
	requestID := chi.URLParam(r, "requestID")

	var req processHitlActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "invalid request body")
		return
	}

	resolved, err := h.engine.ResolveHitl(r.Context(), p.TenantID, requestID, p.ActorID,
		store.HitlAction(req.Action), req.ModifiedData, req.Comments)
	if err != nil {
		writeClientError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
