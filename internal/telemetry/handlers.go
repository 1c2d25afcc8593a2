package telemetry

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Routes implements plugin.HTTPProvider. Ingest itself is a device route
// served by the protocol handler.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/devices/{deviceId}/latest", Handler: m.handleLatest},
		{Method: "GET", Path: "/devices/{deviceId}/logs", Handler: m.handleLogs},
	}
}

func (m *Module) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	limit, ok := parseLimit(w, r, m.cfg.LatestLimit)
	if !ok {
		return
	}
	readings, err := m.svc.Latest(r.Context(), r.PathValue("deviceId"), Query{
		DataType: r.URL.Query().Get("dataType"),
		Limit:    limit,
	})
	if err != nil {
		m.logger.Warn("failed to read latest telemetry", zap.Error(err))
		writeError(w, r, err)
		return
	}
	if readings == nil {
		readings = []Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

func (m *Module) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}
	logs, err := m.svc.Logs(r.Context(), r.PathValue("deviceId"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []DeviceLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 1000 {
		writeError(w, r, apperr.Validation("limit must be between 1 and 1000"))
		return 0, false
	}
	return n, true
}

func (m *Module) available(w http.ResponseWriter, r *http.Request) bool {
	if m.svc == nil {
		writeError(w, r, apperr.Transient("telemetry store not available", nil))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apperr.WriteProblem(w, r.URL.Path, err)
}
