package identity

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/devices", Handler: m.handleListDevices},
		{Method: "GET", Path: "/devices/{id}", Handler: m.handleGetDevice},
		{Method: "PUT", Path: "/devices/{id}/owner", Handler: m.handleTransferOwner},
		{Method: "DELETE", Path: "/devices/{id}", Handler: m.handleDeleteDevice},
		{Method: "GET", Path: "/claims", Handler: m.handleListClaims},
		{Method: "POST", Path: "/claims", Handler: m.handleCreateClaim},
	}
}

// deviceView adds the derived lifecycle state to a device.
type deviceView struct {
	*Device
	State State `json:"state"`
}

// handleListDevices returns devices, optionally filtered by customer.
func (m *Module) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	q := r.URL.Query()
	f := ListFilter{
		CustomerID:     q.Get("customerId"),
		IncludeDeleted: q.Get("includeDeleted") == "true",
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, r, apperr.Validation("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	devices, err := m.svc.List(r.Context(), f)
	if err != nil {
		m.logger.Warn("failed to list devices", zap.Error(err))
		writeError(w, r, err)
		return
	}
	views := make([]deviceView, 0, len(devices))
	for i := range devices {
		views = append(views, deviceView{Device: &devices[i], State: StateOf(&devices[i])})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetDevice returns a single device with its lifecycle state.
func (m *Module) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	d, err := m.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView{Device: d, State: StateOf(d)})
}

type ownerRequest struct {
	CustomerID string `json:"customerId"`
}

// handleTransferOwner moves a device to another customer.
func (m *Module) handleTransferOwner(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body"))
		return
	}
	id := r.PathValue("id")
	if err := m.svc.TransferOwnership(r.Context(), id, req.CustomerID); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := m.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView{Device: d, State: StateOf(d)})
}

// handleDeleteDevice soft-deletes a device.
func (m *Module) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	if err := m.svc.SoftDelete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type claimRequest struct {
	Description string `json:"description"`
	Serial      string `json:"serial"`
	MaxUses     int    `json:"maxUses"`
	TTL         string `json:"ttl"`
}

type claimResponse struct {
	Nonce string `json:"nonce"`
	*Claim
}

// handleCreateClaim issues a provisioning nonce. The nonce is only ever
// returned by this response.
func (m *Module) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body"))
		return
	}
	cr := ClaimRequest{Description: req.Description, Serial: req.Serial, MaxUses: req.MaxUses}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			writeError(w, r, apperr.Validation("ttl must be a positive duration such as 24h"))
			return
		}
		cr.TTL = ttl
	}
	nonce, claim, err := m.svc.CreateClaim(r.Context(), cr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, claimResponse{Nonce: nonce, Claim: claim})
}

// handleListClaims returns claims without their nonces.
func (m *Module) handleListClaims(w http.ResponseWriter, r *http.Request) {
	if !m.available(w, r) {
		return
	}
	claims, err := m.svc.ListClaims(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if claims == nil {
		claims = []Claim{}
	}
	writeJSON(w, http.StatusOK, claims)
}

func (m *Module) available(w http.ResponseWriter, r *http.Request) bool {
	if m.svc == nil {
		writeError(w, r, apperr.Transient("identity store not available", nil))
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
