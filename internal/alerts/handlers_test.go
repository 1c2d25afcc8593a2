package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HerbHall/sunlink/internal/auth"
	"github.com/HerbHall/sunlink/internal/testutil"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/HerbHall/sunlink/pkg/plugin/plugintest"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() },
		plugintest.WithStore(testutil.StoreFactory))
}

func TestHandlers(t *testing.T) {
	e := testEvaluator(t)
	m := &Module{logger: zap.NewNop(), eval: e}
	mux := http.NewServeMux()
	for _, r := range m.Routes() {
		path := r.Path
		if path == "" {
			path = "/{$}"
		}
		mux.HandleFunc(r.Method+" "+path, r.Handler)
	}

	got, err := e.Evaluate(context.Background(), reading("dev-1", "voltage", 9.5))
	if err != nil || len(got) != 1 {
		t.Fatalf("Evaluate = %v, %v", got, err)
	}
	id := got[0].Alert.ID

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"list by device", "GET", "/?deviceId=dev-1&status=active", http.StatusOK, `"alert_type":"low_voltage"`},
		{"list other device", "GET", "/?deviceId=dev-2", http.StatusOK, `[]`},
		{"bad limit", "GET", "/?limit=0", http.StatusBadRequest, "limit"},
		{"bad status", "GET", "/?status=open", http.StatusBadRequest, "status"},
		{"get", "GET", "/" + id, http.StatusOK, `"severity":"critical"`},
		{"get missing", "GET", "/nope", http.StatusNotFound, ""},
		{"acknowledge", "POST", "/" + id + "/acknowledge", http.StatusOK, `"acknowledged_by":"alice"`},
		{"resolve", "POST", "/" + id + "/resolve", http.StatusOK, `"resolved_by":"alice"`},
		{"acknowledge resolved", "POST", "/" + id + "/acknowledge", http.StatusConflict, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}
			req = req.WithContext(auth.WithOperator(req.Context(), claims))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want substring %s", w.Body, tt.wantBody)
			}
		})
	}
}

func TestHandlers_WithoutStore(t *testing.T) {
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	w := httptest.NewRecorder()
	m.handleList(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
