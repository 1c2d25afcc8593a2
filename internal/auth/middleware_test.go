package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func passthrough(t *testing.T, called *bool) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_SkippedPaths(t *testing.T) {
	mw := AuthMiddleware(newTestTokenService())
	paths := []string{
		"/healthz",
		"/metrics",
		"/api/v1/health",
		"/api/devices/provision",
		"/api/devices/0b8e/heartbeat",
		"/api/telemetry/ingest",
		"/api/v1/ws/alerts",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			var called bool
			req := httptest.NewRequest("POST", p, nil)
			w := httptest.NewRecorder()
			mw(passthrough(t, &called)).ServeHTTP(w, req)
			if !called {
				t.Errorf("handler not called for %s (status %d)", p, w.Code)
			}
		})
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	ts := newTestTokenService()
	mw := AuthMiddleware(ts)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
		{"bad token", "Bearer invalid.token.here"},
		{"empty bearer", "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			req := httptest.NewRequest("GET", "/api/v1/alerts/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			mw(passthrough(t, &called)).ServeHTTP(w, req)

			if called {
				t.Error("handler should not be called")
			}
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("content-type = %q", ct)
			}
		})
	}
}

func TestAuthMiddleware_AcceptsValidToken(t *testing.T) {
	ts := newTestTokenService()
	token, _, err := ts.IssueAccessToken("ops-alice", []string{ScopeRead, ScopeWrite})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	var got *Claims
	handler := AuthMiddleware(ts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/v1/commands/dev-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got == nil || got.Operator != "ops-alice" {
		t.Errorf("claims = %+v, want operator ops-alice", got)
	}
}

func TestAuthMiddleware_ReadOnlyTokenCannotWrite(t *testing.T) {
	ts := newTestTokenService()
	token, _, _ := ts.IssueAccessToken("viewer", []string{ScopeRead})

	var called bool
	handler := AuthMiddleware(ts)(passthrough(t, &called))

	get := httptest.NewRequest("GET", "/api/v1/alerts/", nil)
	get.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, get)
	if w.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", w.Code)
	}

	called = false
	post := httptest.NewRequest("POST", "/api/v1/alerts/a-1/acknowledge", nil)
	post.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, post)
	if w.Code != http.StatusForbidden || called {
		t.Errorf("POST status = %d called=%v, want 403 and not called", w.Code, called)
	}
}

func TestRegistrar_Whoami(t *testing.T) {
	ts := newTestTokenService()
	reg := NewRegistrar(ts)
	mux := http.NewServeMux()
	reg.RegisterRoutes(mux)
	handler := reg.Middleware()(mux)

	token, _, _ := ts.IssueAccessToken("ops-alice", []string{ScopeRead})
	req := httptest.NewRequest("GET", "/api/v1/auth/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["operator"] != "ops-alice" {
		t.Errorf("operator = %v", body["operator"])
	}
}

func TestOperatorFromContext_Nil(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if OperatorFromContext(req.Context()) != nil {
		t.Error("expected nil claims for empty context")
	}
}
