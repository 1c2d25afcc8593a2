package protocol

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/HerbHall/sunlink/internal/apperr"
)

// RegisterRoutes mounts the gateway protocol. These paths bypass operator
// auth; each handler checks the device credential itself.
func (m *Module) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/devices/provision", m.handleProvision)
	mux.HandleFunc("POST /api/devices/{deviceId}/config", m.handleConfig)
	mux.HandleFunc("POST /api/devices/{deviceId}/heartbeat", m.handleHeartbeat)
	mux.HandleFunc("POST /api/devices/{deviceId}/logs", m.handleLogs)
	mux.HandleFunc("GET /api/devices/{deviceId}/state", m.handleState)
	mux.HandleFunc("POST /api/telemetry/ingest", m.handleIngest)
}

func (m *Module) handleProvision(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	var req ProvisionRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := m.svc.Provision(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Module) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	var req ConfigRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	resp, err := m.svc.SyncConfig(r.Context(), bearer(r), r.PathValue("deviceId"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Module) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	var req HeartbeatRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	resp, err := m.svc.Heartbeat(r.Context(), bearer(r), r.PathValue("deviceId"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Module) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	var req IngestRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := m.svc.IngestTelemetry(r.Context(), bearer(r), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IngestResponse{Status: "accepted"})
}

func (m *Module) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, apperr.Validation("unreadable request body"))
		return
	}
	lines, err := decodeLogs(body)
	if err != nil {
		writeError(w, r, apperr.Validation("invalid log upload: %v", err))
		return
	}
	n, err := m.svc.UploadLogs(r.Context(), bearer(r), r.PathValue("deviceId"), lines)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{Status: "stored", Count: n})
}

func (m *Module) handleState(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	deviceID := r.PathValue("deviceId")
	st, err := m.svc.State(r.Context(), bearer(r), deviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deviceId": deviceID, "state": string(st)})
}

// bearer extracts the device credential from the Authorization header.
func bearer(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return strings.TrimSpace(token)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

// decodeOptional tolerates an empty body; some firmware posts config sync
// without one.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && err != io.EOF {
		writeError(w, r, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

func (m *Module) available(w http.ResponseWriter, r *http.Request) bool {
	if m.svc == nil {
		writeError(w, r, apperr.Transient("device protocol not available", nil))
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
