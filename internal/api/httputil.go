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
	"log/slog"
	"net/http"

	"github.com/tombee/rundispatch/internal/errs"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

// writeClientError translates a *errs.ClientError into the matching HTTP
// status and body; any other error is surfaced as a 500 without detail.
func writeClientError(w http.ResponseWriter, err error) {
	var ce *errs.ClientError
	if errs.As(err, &ce) {
		writeJSON(w, statusForCode(ce.Code), map[string]string{
			"code": string(ce.Code), "error": ce.Message, "observed": ce.Observed,
		})
		return
	}
	writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func statusForCode(code errs.ClientCode) int {
	switch code {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeForbidden:
		return http.StatusForbidden
	case errs.CodeValidation, errs.CodeDepthExceeded, errs.CodeBotNotCompiled:
		return http.StatusBadRequest
	case errs.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case errs.CodeIllegalState, errs.CodeNotRetriable, errs.CodeAlreadyResolved,
		errs.CodeActionNotAllowed:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
