package alerts

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/auth"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "", Handler: m.handleList},
		{Method: "GET", Path: "/{id}", Handler: m.handleGet},
		{Method: "POST", Path: "/{id}/acknowledge", Handler: m.handleAcknowledge},
		{Method: "POST", Path: "/{id}/resolve", Handler: m.handleResolve},
	}
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	q := r.URL.Query()
	f := Filter{
		DeviceID: q.Get("deviceId"),
		Status:   Status(q.Get("status")),
		Type:     Type(q.Get("type")),
		Limit:    100,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, apperr.Validation("limit must be between 1 and 1000"))
			return
		}
		f.Limit = n
	}

	list, err := m.eval.List(r.Context(), f)
	if err != nil {
		m.logger.Warn("failed to list alerts", zap.Error(err))
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	a, err := m.eval.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (m *Module) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	a, err := m.eval.Acknowledge(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (m *Module) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	a, err := m.eval.Resolve(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// actor names the operator acting on an alert.
func actor(r *http.Request) string {
	if c := auth.OperatorFromContext(r.Context()); c != nil && c.Subject != "" {
		return c.Subject
	}
	return "operator"
}

func (m *Module) available(w http.ResponseWriter, r *http.Request) bool {
	if m.eval == nil {
		writeError(w, r, apperr.Transient("alert store not available", nil))
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
