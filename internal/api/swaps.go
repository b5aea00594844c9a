package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/swap"
)

// swapAction is the body of every POST /swaps/{id}/... call.
type swapAction struct {
	UserID   string `json:"user_id"`
	ProofURL string `json:"proof_url,omitempty"`
}

// CreateSwap handles POST /api/v1/swaps
func (h *Handlers) CreateSwap(w http.ResponseWriter, r *http.Request) {
	var req swap.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.swaps.CreateOrder(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListSwaps handles GET /api/v1/swaps?status=
func (h *Handlers) ListSwaps(w http.ResponseWriter, r *http.Request) {
	orders, err := h.swaps.List(r.Context(), model.SwapStatus(r.URL.Query().Get("status")))
	if err != nil {
		fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.SwapOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetSwap handles GET /api/v1/swaps/{id}
func (h *Handlers) GetSwap(w http.ResponseWriter, r *http.Request) {
	o, err := h.swaps.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// swapStep adapts a swap.Service method to a handler.
func (h *Handlers) swapStep(fn func(ctx context.Context, id string, a swapAction) (*model.SwapOrder, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a swapAction
		if !decode(w, r, &a) {
			return
		}
		if a.UserID == "" {
			writeError(w, "user_id is required", http.StatusBadRequest)
			return
		}
		o, err := fn(r.Context(), chi.URLParam(r, "id"), a)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

// AcceptSwap handles POST /api/v1/swaps/{id}/accept
func (h *Handlers) AcceptSwap(w http.ResponseWriter, r *http.Request) {
	h.swapStep(func(ctx context.Context, id string, a swapAction) (*model.SwapOrder, error) {
		return h.swaps.AcceptOrder(ctx, id, a.UserID)
	})(w, r)
}

// UploadProof handles POST /api/v1/swaps/{id}/proof
func (h *Handlers) UploadProof(w http.ResponseWriter, r *http.Request) {
	h.swapStep(func(ctx context.Context, id string, a swapAction) (*model.SwapOrder, error) {
		return h.swaps.UploadProof(ctx, id, a.UserID, a.ProofURL)
	})(w, r)
}

// ConfirmSwap handles POST /api/v1/swaps/{id}/confirm
func (h *Handlers) ConfirmSwap(w http.ResponseWriter, r *http.Request) {
	h.swapStep(func(ctx context.Context, id string, a swapAction) (*model.SwapOrder, error) {
		return h.swaps.ConfirmCompletion(ctx, id, a.UserID)
	})(w, r)
}

// CancelSwap handles POST /api/v1/swaps/{id}/cancel
func (h *Handlers) CancelSwap(w http.ResponseWriter, r *http.Request) {
	h.swapStep(func(ctx context.Context, id string, a swapAction) (*model.SwapOrder, error) {
		return h.swaps.CancelOrder(ctx, id, a.UserID)
	})(w, r)
}

// RelistSwap handles POST /api/v1/swaps/{id}/relist
func (h *Handlers) RelistSwap(w http.ResponseWriter, r *http.Request) {
	h.swapStep(func(ctx context.Context, id string, a swapAction) (*model.SwapOrder, error) {
		return h.swaps.RelistOrder(ctx, id, a.UserID)
	})(w, r)
}

// WithdrawSwap handles POST /api/v1/swaps/{id}/withdraw
func (h *Handlers) WithdrawSwap(w http.ResponseWriter, r *http.Request) {
	h.swapStep(func(ctx context.Context, id string, a swapAction) (*model.SwapOrder, error) {
		return h.swaps.WithdrawOrder(ctx, id, a.UserID)
	})(w, r)
}

// DisputeSwap handles POST /api/v1/swaps/{id}/dispute
func (h *Handlers) DisputeSwap(w http.ResponseWriter, r *http.Request) {
	h.swapStep(func(ctx context.Context, id string, a swapAction) (*model.SwapOrder, error) {
		return h.swaps.ReportDispute(ctx, id, a.UserID)
	})(w, r)
}
