package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/model"
)

// userRequest is the body of PUT /admin/users/{userID}.
type userRequest struct {
	ReferrerID string `json:"referrer_id"`
	IsFrozen   bool   `json:"is_frozen"`
}

// UpsertUser handles PUT /api/v1/admin/users/{userID}
func (h *Handlers) UpsertUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "userID")
	if req.ReferrerID == id {
		writeError(w, "a user cannot refer themselves", http.StatusBadRequest)
		return
	}

	u := &model.User{ID: id, ReferrerID: req.ReferrerID, IsFrozen: req.IsFrozen, CreatedAt: h.sim.Now()}
	if existing, err := h.users.GetUser(r.Context(), id); err == nil {
		u.CreatedAt = existing.CreatedAt
	}
	if err := h.users.UpsertUser(r.Context(), u); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// AdjustBalance handles POST /api/v1/admin/balances/adjust
func (h *Handlers) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req ledger.AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = ledger.ReasonAdmin
	}
	b, err := h.ledger.Adjust(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ListInterventions handles GET /api/v1/admin/interventions
func (h *Handlers) ListInterventions(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if rules == nil {
		rules = []model.Intervention{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// AddIntervention handles POST /api/v1/admin/interventions
func (h *Handlers) AddIntervention(w http.ResponseWriter, r *http.Request) {
	var req model.Intervention
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.rules.Add(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// GetIntervention handles GET /api/v1/admin/interventions/{id}
func (h *Handlers) GetIntervention(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateIntervention handles PUT /api/v1/admin/interventions/{id}
func (h *Handlers) UpdateIntervention(w http.ResponseWriter, r *http.Request) {
	var req model.Intervention
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.rules.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteIntervention handles DELETE /api/v1/admin/interventions/{id}
func (h *Handlers) DeleteIntervention(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateIntervention handles POST /api/v1/admin/interventions/{id}/activate
func (h *Handlers) ActivateIntervention(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Activate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeactivateIntervention handles POST /api/v1/admin/interventions/{id}/deactivate
func (h *Handlers) DeactivateIntervention(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// InterventionLogs handles GET /api/v1/admin/interventions/{id}/logs?limit=
func (h *Handlers) InterventionLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	logs, err := h.rules.Logs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.InterventionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}
