package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/model"
)

// ListPrices handles GET /api/v1/prices
func (h *Handlers) ListPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sim.Table().Snapshot())
}

func pairParam(r *http.Request) (string, error) {
	return instrument.Normalize(chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote"))
}

// GetPrice handles GET /api/v1/prices/{base}/{quote}
func (h *Handlers) GetPrice(w http.ResponseWriter, r *http.Request) {
	pair, err := pairParam(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	st, ok := h.sim.Table().Get(pair)
	if !ok {
		writeError(w, "no price for "+pair, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetHistory handles GET /api/v1/prices/{base}/{quote}/history
// ?since= accepts a duration ("15m") or an RFC 3339 timestamp; the
// default is the last hour.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	pair, err := pairParam(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	now := h.sim.Now()
	since := now.Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			since = now.Add(-d)
		} else if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		} else {
			writeError(w, "since must be a duration or RFC 3339 time", http.StatusBadRequest)
			return
		}
	}

	ticks, err := h.sim.History(r.Context(), pair, since)
	if err != nil {
		fail(w, r, err)
		return
	}
	if ticks == nil {
		ticks = []model.Tick{}
	}
	writeJSON(w, http.StatusOK, ticks)
}
