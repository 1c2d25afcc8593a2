package gwconfig

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HerbHall/sunlink/internal/testutil"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/HerbHall/sunlink/pkg/plugin/plugintest"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() },
		plugintest.WithStore(testutil.StoreFactory))
}

func testMux(m *Module) *http.ServeMux {
	mux := http.NewServeMux()
	for _, r := range m.Routes() {
		path := r.Path
		if path == "" {
			path = "/{$}"
		}
		mux.HandleFunc(r.Method+" "+path, r.Handler)
	}
	return mux
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHandlers_PublishGetAssign(t *testing.T) {
	f := newFixture(t)
	m := &Module{logger: zap.NewNop(), repo: f.repo}
	mux := testMux(m)
	dev := f.provision(t, "GW-HTTP")

	body := `{"configId":"cfg-http","slaves":[{"slaveId":4,"registers":[
		{"label":"pv_voltage","address":0,"dataType":"uint16","scaleFactor":0.1},
		{"label":"power","address":2,"dataType":4}]}]}`
	w := do(t, mux, "POST", "/", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("publish status = %d, body %s", w.Code, w.Body)
	}

	w = do(t, mux, "GET", "/cfg-http", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	uart, _ := got["uartConfig"].(map[string]any)
	if uart["baudRate"] != float64(9600) {
		t.Errorf("uartConfig = %v, want defaults", uart)
	}
	slaves, _ := got["slaves"].([]any)
	regs := slaves[0].(map[string]any)["registers"].([]any)
	if dt := regs[1].(map[string]any)["dataType"]; dt != float64(4) {
		t.Errorf("dataType = %v, want wire code 4", dt)
	}

	if w := do(t, mux, "POST", "/", body); w.Code != http.StatusConflict {
		t.Errorf("republish status = %d, want 409", w.Code)
	}

	if w := do(t, mux, "POST", "/cfg-http/assign", `{"deviceId":"`+dev+`"}`); w.Code != http.StatusOK {
		t.Errorf("assign status = %d, body %s", w.Code, w.Body)
	}
	if w := do(t, mux, "POST", "/cfg-http/assign", `{"deviceId":"ghost"}`); w.Code != http.StatusNotFound {
		t.Errorf("assign unknown device status = %d, want 404", w.Code)
	}
	if w := do(t, mux, "POST", "/cfg-http/assign", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("assign without device status = %d, want 400", w.Code)
	}

	w = do(t, mux, "GET", "/devices/"+dev, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"configId":"cfg-http"`) {
		t.Errorf("resolve = %d %s", w.Code, w.Body)
	}

	if w := do(t, mux, "GET", "/", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"registers":2`) {
		t.Errorf("list = %d %s", w.Code, w.Body)
	}
}

func TestHandlers_DefaultAndErrors(t *testing.T) {
	f := newFixture(t)
	m := &Module{logger: zap.NewNop(), repo: f.repo}
	mux := testMux(m)
	if _, err := f.repo.Publish(context.Background(), sampleConfig("cfg-def")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"global default, empty body", "POST", "/cfg-def/default", "", http.StatusOK},
		{"customer default", "POST", "/cfg-def/default", `{"customerId":"acme"}`, http.StatusOK},
		{"default for unknown config", "POST", "/nope/default", `{}`, http.StatusNotFound},
		{"get unknown", "GET", "/nope", "", http.StatusNotFound},
		{"malformed publish", "POST", "/", `{"configId":`, http.StatusBadRequest},
		{"invalid slave", "POST", "/", `{"configId":"bad","slaves":[{"slaveId":300}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, mux, tt.method, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body)
			}
		})
	}
}

func TestHandlers_WithoutStore(t *testing.T) {
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	w := do(t, testMux(m), "GET", "/", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
