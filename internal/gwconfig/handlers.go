package gwconfig

import (
	"encoding/json"
	"net/http"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "", Handler: m.handleList},
		{Method: "POST", Path: "", Handler: m.handlePublish},
		{Method: "GET", Path: "/{configId}", Handler: m.handleGet},
		{Method: "POST", Path: "/{configId}/assign", Handler: m.handleAssign},
		{Method: "POST", Path: "/{configId}/default", Handler: m.handleSetDefault},
		{Method: "GET", Path: "/devices/{deviceId}", Handler: m.handleResolve},
	}
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	list, err := m.repo.List(r.Context())
	if err != nil {
		m.logger.Warn("failed to list configs", zap.Error(err))
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (m *Module) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	var c GatewayConfig
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return
	}
	published, err := m.repo.Publish(r.Context(), c)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, published)
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	c, err := m.repo.Get(r.Context(), r.PathValue("configId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type assignRequest struct {
	DeviceID string `json:"deviceId"`
}

func (m *Module) handleAssign(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.DeviceID == "" {
		writeError(w, r, apperr.Validation("deviceId is required"))
		return
	}
	configID := r.PathValue("configId")
	if err := m.repo.AssignConfig(r.Context(), req.DeviceID, configID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deviceId": req.DeviceID, "configId": configID})
}

type defaultRequest struct {
	CustomerID string `json:"customerId"`
}

// handleSetDefault sets a customer default; an empty body or customerId sets
// the global default.
func (m *Module) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	var req defaultRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, apperr.Validation("invalid request body: %v", err))
			return
		}
	}
	configID := r.PathValue("configId")
	if err := m.repo.SetDefault(r.Context(), req.CustomerID, configID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"customerId": req.CustomerID, "configId": configID})
}

// handleResolve shows which config a device would receive on its next sync.
func (m *Module) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	c, err := m.repo.GetConfigFor(r.Context(), r.PathValue("deviceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.summary())
}

func (m *Module) available(w http.ResponseWriter, r *http.Request) bool {
	if m.repo == nil {
		writeError(w, r, apperr.Transient("config repository not available", nil))
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
