// Package api exposes the engine over HTTP with chi.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/sim-engine/internal/exposure"
	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/intervention"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/store"
	"github.com/atmx/sim-engine/internal/swap"
	"github.com/atmx/sim-engine/internal/trade"
)

// Handlers serves the /api/v1 routes.
type Handlers struct {
	sim         *market.Simulator
	trades      *trade.Service
	ledger      *ledger.Ledger
	swaps       *swap.Service
	rules       *intervention.Service
	users       store.UserStore
	commissions store.CommissionStore
}

// New creates the handler set.
func New(
	sim *market.Simulator,
	trades *trade.Service,
	l *ledger.Ledger,
	swaps *swap.Service,
	rules *intervention.Service,
	users store.UserStore,
	commissions store.CommissionStore,
) *Handlers {
	return &Handlers{
		sim:         sim,
		trades:      trades,
		ledger:      l,
		swaps:       swaps,
		rules:       rules,
		users:       users,
		commissions: commissions,
	}
}

// Routes registers every handler on r, which is expected to be mounted
// at /api/v1.
func (h *Handlers) Routes(r chi.Router) {
	// Prices.
	r.Get("/prices", h.ListPrices)
	r.Get("/prices/{base}/{quote}", h.GetPrice)
	r.Get("/prices/{base}/{quote}/history", h.GetHistory)

	// Placement.
	r.Post("/trades/contract", h.PlaceContract)
	r.Post("/trades/spot", h.PlaceSpot)
	r.Post("/investments/daily", h.AddDailyInvestment)
	r.Post("/investments/hourly", h.AddHourlyInvestment)
	r.Get("/products", h.ListProducts)

	// User queries.
	r.Get("/users/{userID}/balances", h.GetBalances)
	r.Get("/users/{userID}/positions", h.GetPositions)
	r.Get("/users/{userID}/commissions", h.GetCommissions)
	r.Get("/users/{userID}/journal", h.GetJournal)

	// P2P swaps.
	r.Route("/swaps", func(r chi.Router) {
		r.Post("/", h.CreateSwap)
		r.Get("/", h.ListSwaps)
		r.Get("/{id}", h.GetSwap)
		r.Post("/{id}/accept", h.AcceptSwap)
		r.Post("/{id}/proof", h.UploadProof)
		r.Post("/{id}/confirm", h.ConfirmSwap)
		r.Post("/{id}/cancel", h.CancelSwap)
		r.Post("/{id}/relist", h.RelistSwap)
		r.Post("/{id}/withdraw", h.WithdrawSwap)
		r.Post("/{id}/dispute", h.DisputeSwap)
	})

	// Administration.
	r.Route("/admin", func(r chi.Router) {
		r.Put("/users/{userID}", h.UpsertUser)
		r.Post("/balances/adjust", h.AdjustBalance)

		r.Get("/interventions", h.ListInterventions)
		r.Post("/interventions", h.AddIntervention)
		r.Get("/interventions/{id}", h.GetIntervention)
		r.Put("/interventions/{id}", h.UpdateIntervention)
		r.Delete("/interventions/{id}", h.DeleteIntervention)
		r.Post("/interventions/{id}/activate", h.ActivateIntervention)
		r.Post("/interventions/{id}/deactivate", h.DeactivateIntervention)
		r.Get("/interventions/{id}/logs", h.InterventionLogs)
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, swap.ErrStaleTransition),
		errors.Is(err, exposure.ErrPerPairLimitExceeded),
		errors.Is(err, exposure.ErrCorrelatedLimitExceeded),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, swap.ErrNotParticipant),
		errors.Is(err, trade.ErrAccountFrozen):
		return http.StatusForbidden
	case errors.Is(err, trade.ErrNoPrice):
		return http.StatusServiceUnavailable
	case errors.Is(err, intervention.ErrInvalidConfig),
		errors.Is(err, ledger.ErrInvalidAdjustment),
		errors.Is(err, trade.ErrInvalidRequest),
		errors.Is(err, trade.ErrUnknownProduct),
		errors.Is(err, trade.ErrBelowMinimum),
		errors.Is(err, swap.ErrInvalidOrder),
		errors.Is(err, swap.ErrSelfTake),
		errors.Is(err, instrument.ErrInvalidPair),
		errors.Is(err, instrument.ErrInvalidAsset):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// not echoed to the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
