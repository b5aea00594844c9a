package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/trade"
)

// PlaceContract handles POST /api/v1/trades/contract
func (h *Handlers) PlaceContract(w http.ResponseWriter, r *http.Request) {
	var req trade.ContractRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := h.trades.PlaceContractTrade(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// PlaceSpot handles POST /api/v1/trades/spot
func (h *Handlers) PlaceSpot(w http.ResponseWriter, r *http.Request) {
	var req trade.SpotRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := h.trades.PlaceSpotTrade(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// AddDailyInvestment handles POST /api/v1/investments/daily
func (h *Handlers) AddDailyInvestment(w http.ResponseWriter, r *http.Request) {
	var req trade.InvestmentRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := h.trades.AddDailyInvestment(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// AddHourlyInvestment handles POST /api/v1/investments/hourly
func (h *Handlers) AddHourlyInvestment(w http.ResponseWriter, r *http.Request) {
	var req trade.InvestmentRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := h.trades.AddHourlyInvestment(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ListProducts handles GET /api/v1/products
func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.trades.Catalog())
}

// GetBalances handles GET /api/v1/users/{userID}/balances
func (h *Handlers) GetBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.ledger.BalancesOf(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if balances == nil {
		balances = []model.Balance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// GetPositions handles GET /api/v1/users/{userID}/positions
func (h *Handlers) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.trades.Positions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetCommissions handles GET /api/v1/users/{userID}/commissions
func (h *Handlers) GetCommissions(w http.ResponseWriter, r *http.Request) {
	logs, err := h.commissions.ListCommissionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.CommissionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// GetJournal handles GET /api/v1/users/{userID}/journal
func (h *Handlers) GetJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Journal(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
