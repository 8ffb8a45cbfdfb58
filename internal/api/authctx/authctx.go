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

// Package authctx stamps the Control API's request context with the
// {tenantId, actorId, scopes} triple the core sees; it owns nothing about
// permission policy beyond verifying the bearer token and reading its claims.
package authctx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/rundispatch/internal/errs"
)

type ctxKey int

const principalKey ctxKey = 0

// Principal is the caller identity attached to a request's context.
type Principal struct {
	TenantID string
	ActorID  string
	Scopes   []string
}

// HasScope reports whether p carries the named scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// claims is the JWT payload a Control API bearer token carries.
type claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Config configures bearer-token verification.
type Config struct {
	SigningKey []byte
	Issuer     string
	ClockSkew  time.Duration
}

// Middleware verifies the Authorization header and stamps the request
// context with the resulting Principal. Requests without a valid token are
// rejected with 401 before reaching the wrapped handler.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew))
			parsed, err := parser.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
				if t.Method.Alg() != "HS256" {
					return nil, errs.New("unexpected signing method")
				}
				return cfg.SigningKey, nil
			})
			if err != nil || !parsed.Valid {
				writeUnauthorized(w, "invalid bearer token")
				return
			}
			c, ok := parsed.Claims.(*claims)
			if !ok || c.TenantID == "" || c.Subject == "" {
				writeUnauthorized(w, "token missing required claims")
				return
			}
			if cfg.Issuer != "" && c.Issuer != cfg.Issuer {
				writeUnauthorized(w, "unexpected issuer")
				return
			}

			p := Principal{TenantID: c.TenantID, ActorID: c.Subject, Scopes: c.Scopes}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}

// FromContext extracts the Principal stamped by Middleware. The second
// return is false if no request in this context ever passed through it.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
