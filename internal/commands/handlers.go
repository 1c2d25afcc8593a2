package commands

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
		{Method: "GET", Path: "/{deviceId}", Handler: m.handlePeek},
		{Method: "POST", Path: "/{deviceId}", Handler: m.handleSet},
	}
}

// handlePeek returns the pending flags of a device without draining them.
func (m *Module) handlePeek(w http.ResponseWriter, r *http.Request) {
	if m.queue == nil {
		writeError(w, r, apperr.Transient("command queue not available", nil))
		return
	}
	flags, err := m.queue.Peek(r.Context(), r.PathValue("deviceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

type setRequest struct {
	Command string `json:"command"`
	Value   *bool  `json:"value"`
}

// handleSet raises or clears one flag. value defaults to true.
func (m *Module) handleSet(w http.ResponseWriter, r *http.Request) {
	if m.queue == nil {
		writeError(w, r, apperr.Transient("command queue not available", nil))
		return
	}
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body"))
		return
	}
	name, err := ParseName(req.Command)
	if err != nil {
		writeError(w, r, err)
		return
	}
	value := true
	if req.Value != nil {
		value = *req.Value
	}

	deviceID := r.PathValue("deviceId")
	if err := m.queue.SetCommand(r.Context(), deviceID, name, value); err != nil {
		m.logger.Warn("failed to set command", zap.String("device_id", deviceID), zap.Error(err))
		writeError(w, r, err)
		return
	}
	m.logger.Info("command set",
		zap.String("device_id", deviceID),
		zap.String("command", string(name)),
		zap.Bool("value", value),
	)

	flags, err := m.queue.Peek(r.Context(), deviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apperr.WriteProblem(w, r.URL.Path, err)
}
