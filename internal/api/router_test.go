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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/api"
	"github.com/tombee/rundispatch/internal/api/authctx"
	"github.com/tombee/rundispatch/internal/engine"
	"github.com/tombee/rundispatch/internal/eventbus"
	"github.com/tombee/rundispatch/internal/queue"
	"github.com/tombee/rundispatch/internal/store"
	"github.com/tombee/rundispatch/internal/store/memory"
)

type testClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes,omitempty"`
}

const testSigningKey = "test-signing-key"

func issueToken(t *testing.T, tenantID, subject string, scopes ...string) string {
	t.Helper()
	claims := testClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenantID,
		Scopes:   scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return signed
}

type staticResolver struct{ version engine.BotVersion }

func (r staticResolver) Resolve(_ context.Context, _, _, _ string) (engine.BotVersion, error) {
	return r.version, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	backend := memory.New()
	bus := eventbus.New(16, func(string) {})
	q := queue.New(backend)
	bots := staticResolver{version: engine.BotVersion{ID: "v1", Status: "PUBLISHED", PlanHash: "h1"}}
	eng := engine.New(backend, q, bus, bots, slog.New(slog.NewTextHandler(io.Discard, nil)))

	handler := api.NewRouter(api.Config{
		Engine: eng,
		Store:  backend,
		Auth:   authctx.Config{SigningKey: []byte(testSigningKey)},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return httptest.NewServer(handler)
}

func TestCreateRunRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/runs", "application/json", bytes.NewBufferString(`{"botId":"bot-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndGetRun(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	token := issueToken(t, "tenant-a", "user-1")

	body, _ := json.Marshal(map[string]any{"botId": "bot-1"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/runs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created store.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, store.StatusQueued, created.Status)

	getReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/runs/"+created.ID, nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestCreateRunRejectsMissingBotID(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	token := issueToken(t, "tenant-a", "user-1")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/runs", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRunIsTenantScoped(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	tokenA := issueToken(t, "tenant-a", "user-1")
	tokenB := issueToken(t, "tenant-b", "user-2")

	body, _ := json.Marshal(map[string]any{"botId": "bot-1"})
	createReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/runs", bytes.NewReader(body))
	createReq.Header.Set("Authorization", "Bearer "+tokenA)
	createResp, err := http.DefaultClient.Do(createReq)
	require.NoError(t, err)
	defer createResp.Body.Close()
	var created store.Run
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))

	cancelReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/runs/"+created.ID+"/cancel", bytes.NewBufferString(`{}`))
	cancelReq.Header.Set("Authorization", "Bearer "+tokenB)
	cancelResp, err := http.DefaultClient.Do(cancelReq)
	require.NoError(t, err)
	defer cancelResp.Body.Close()
	require.Equal(t, http.StatusNotFound, cancelResp.StatusCode)
}

func TestRejectsTokenSignedWithAWrongKey(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	claims := testClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         "tenant-a",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("not-the-real-key"))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
