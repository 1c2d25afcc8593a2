package commands

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HerbHall/sunlink/internal/testutil"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/HerbHall/sunlink/pkg/plugin/plugintest"
	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() },
		plugintest.WithStore(testutil.StoreFactory))
}

func TestModule_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	m := New()
	err := m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Config: testutil.Config(map[string]any{"backend": "redis", "redis_addr": mr.Addr()}),
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Stop(context.Background())

	if err := m.ValidateConfig(); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if _, ok := m.Queue().(*RedisQueue); !ok {
		t.Fatalf("Queue() = %T, want *RedisQueue", m.Queue())
	}
	if h := m.Health(context.Background()); h.Status != "healthy" {
		t.Errorf("Health = %+v", h)
	}
	mr.Close()
	if h := m.Health(context.Background()); h.Status != "unhealthy" {
		t.Errorf("Health after redis down = %+v", h)
	}
}

func TestValidateConfig_RejectsUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "kafka"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestHandlers(t *testing.T) {
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  testutil.NewStore(t),
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	mux := http.NewServeMux()
	for _, r := range m.Routes() {
		mux.HandleFunc(r.Method+" "+r.Path, r.Handler)
	}

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"set reboot", "POST", `{"command":"reboot"}`, http.StatusOK, `"reboot":true`},
		{"peek", "GET", "", http.StatusOK, `"reboot":true`},
		{"clear reboot", "POST", `{"command":"reboot","value":false}`, http.StatusOK, `"reboot":false`},
		{"unknown command", "POST", `{"command":"format"}`, http.StatusBadRequest, "unknown command"},
		{"malformed", "POST", `{`, http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/dev-1", strings.NewReader(tt.body))
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
