// Package swap implements the P2P swap escrow.
//
//	open -> pending_payment -> pending_confirmation -> completing -> completed
//	pending_confirmation -> disputed
//	open -> cancelled -> open (relist) | withdrawn
//
// The seller's FromAmount stays frozen from creation until completion or
// withdrawal. Every transition is a conditional update on the current
// status, so of two racing callers exactly one wins. Confirmation claims
// the order (completing) before any funds move.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

var (
	// ErrStaleTransition is returned when the order is no longer in the
	// state the caller expected, e.g. it was already taken or cancelled.
	ErrStaleTransition = errors.New("swap: order already taken, cancelled or moved on")

	ErrInvalidOrder   = errors.New("swap: invalid order")
	ErrNotParticipant = errors.New("swap: caller is not allowed to act on this order")
	ErrSelfTake       = errors.New("swap: seller cannot take their own order")
)

// Ledger moves escrowed funds.
type Ledger interface {
	Adjust(ctx context.Context, req ledger.AdjustRequest) (*model.Balance, error)
}

// Service runs the swap state machine.
type Service struct {
	store  store.SwapStore
	ledger Ledger
	pub    events.Publisher
	clk    clock.Clock
}

// NewService creates a swap service. pub may be nil.
func NewService(st store.SwapStore, l Ledger, pub events.Publisher, clk clock.Clock) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{store: st, ledger: l, pub: pub, clk: clk}
}

// CreateRequest is the JSON body for POST /swaps.
type CreateRequest struct {
	SellerID   string          `json:"seller_id"`
	FromAsset  string          `json:"from_asset"`
	FromAmount decimal.Decimal `json:"from_amount"`
	ToAsset    string          `json:"to_asset"`
	ToAmount   decimal.Decimal `json:"to_amount"`
}

// CreateOrder freezes the seller's from-asset and lists the order.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (*model.SwapOrder, error) {
	if req.SellerID == "" {
		return nil, fmt.Errorf("%w: seller_id is required", ErrInvalidOrder)
	}
	from, err := instrument.NormalizeAsset(req.FromAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	to, err := instrument.NormalizeAsset(req.ToAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if from == to {
		return nil, fmt.Errorf("%w: from and to asset are both %s", ErrInvalidOrder, from)
	}
	fromAmount := instrument.Round(from, req.FromAmount)
	toAmount := instrument.Round(to, req.ToAmount)
	if !fromAmount.IsPositive() || !toAmount.IsPositive() {
		return nil, fmt.Errorf("%w: amounts must be greater than 0", ErrInvalidOrder)
	}

	now := s.clk.Now()
	o := &model.SwapOrder{
		ID:         uuid.New().String(),
		SellerID:   req.SellerID,
		FromAsset:  from,
		FromAmount: fromAmount,
		ToAsset:    to,
		ToAmount:   toAmount,
		Status:     model.SwapOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if _, err := s.ledger.Adjust(ctx, ledger.AdjustRequest{
		UserID:        o.SellerID,
		Asset:         from,
		Delta:         fromAmount,
		AffectsFrozen: true,
		Reason:        ledger.ReasonSwapFreeze,
		RefID:         o.ID,
	}); err != nil {
		return nil, err
	}

	if err := s.store.CreateSwap(ctx, o); err != nil {
		s.undo(ctx, ledger.AdjustRequest{
			UserID: o.SellerID, Asset: from, Delta: fromAmount.Neg(), AffectsFrozen: true, RefID: o.ID,
		})
		return nil, fmt.Errorf("create swap: %w", err)
	}

	s.notify(ctx, o, "", true)
	return o, nil
}

// Get returns order id.
func (s *Service) Get(ctx context.Context, id string) (*model.SwapOrder, error) {
	return s.store.GetSwap(ctx, id)
}

// List returns orders, optionally filtered by status.
func (s *Service) List(ctx context.Context, status model.SwapStatus) ([]model.SwapOrder, error) {
	return s.store.ListSwaps(ctx, status)
}

// AcceptOrder assigns takerID to an open order.
func (s *Service) AcceptOrder(ctx context.Context, id, takerID string) (*model.SwapOrder, error) {
	if takerID == "" {
		return nil, fmt.Errorf("%w: taker_id is required", ErrInvalidOrder)
	}
	o, err := s.store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.SellerID == takerID {
		return nil, ErrSelfTake
	}
	return s.transition(ctx, id, model.SwapOpen, model.SwapPendingPayment, func(o *model.SwapOrder) {
		o.TakerID = takerID
	})
}

// UploadProof records the taker's payment proof.
func (s *Service) UploadProof(ctx context.Context, id, takerID, proofURL string) (*model.SwapOrder, error) {
	if strings.TrimSpace(proofURL) == "" {
		return nil, fmt.Errorf("%w: proof_url is required", ErrInvalidOrder)
	}
	o, err := s.store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.TakerID == "" || o.TakerID != takerID {
		return nil, fmt.Errorf("%w: only the taker uploads proof", ErrNotParticipant)
	}
	return s.transition(ctx, id, model.SwapPendingPayment, model.SwapPendingConfirmation, func(o *model.SwapOrder) {
		o.ProofURL = proofURL
	})
}

// ReportDispute moves an order awaiting confirmation to disputed. Either
// party may report.
func (s *Service) ReportDispute(ctx context.Context, id, userID string) (*model.SwapOrder, error) {
	o, err := s.store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID == "" || (userID != o.SellerID && userID != o.TakerID) {
		return nil, fmt.Errorf("%w: only the seller or taker can dispute", ErrNotParticipant)
	}
	return s.transition(ctx, id, model.SwapPendingConfirmation, model.SwapDisputed, nil)
}

// CancelOrder delists an open order. Funds stay frozen.
func (s *Service) CancelOrder(ctx context.Context, id, sellerID string) (*model.SwapOrder, error) {
	if err := s.requireSeller(ctx, id, sellerID); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, model.SwapOpen, model.SwapCancelled, nil)
}

// RelistOrder reopens a cancelled order.
func (s *Service) RelistOrder(ctx context.Context, id, sellerID string) (*model.SwapOrder, error) {
	if err := s.requireSeller(ctx, id, sellerID); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, model.SwapCancelled, model.SwapOpen, nil)
}

// WithdrawOrder closes a cancelled order and unfreezes the seller's funds.
func (s *Service) WithdrawOrder(ctx context.Context, id, sellerID string) (*model.SwapOrder, error) {
	if err := s.requireSeller(ctx, id, sellerID); err != nil {
		return nil, err
	}
	o, err := s.transition(ctx, id, model.SwapCancelled, model.SwapWithdrawn, nil)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Adjust(ctx, ledger.AdjustRequest{
		UserID:        o.SellerID,
		Asset:         o.FromAsset,
		Delta:         o.FromAmount.Neg(),
		AffectsFrozen: true,
		Reason:        ledger.ReasonSwapUnfreeze,
		RefID:         o.ID,
	}); err != nil {
		slog.Error("withdrawn swap could not be unfrozen, needs reconciliation",
			"id", o.ID, "seller", o.SellerID, "asset", o.FromAsset, "amount", o.FromAmount.String(), "err", err)
		return o, err
	}
	return o, nil
}

// ConfirmCompletion settles an order: the seller's frozen from-asset goes
// to the taker and the seller is credited the to-asset. The order is
// claimed as completing first, so disputes and concurrent confirmations
// lose at the store. If a transfer fails the applied steps are reversed
// and the order returns to pending_confirmation. If a reversal itself
// fails, unwinding stops and the order stays completing for manual
// reconciliation.
func (s *Service) ConfirmCompletion(ctx context.Context, id, sellerID string) (*model.SwapOrder, error) {
	o, err := s.store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.SellerID != sellerID {
		return nil, fmt.Errorf("%w: only the seller confirms", ErrNotParticipant)
	}
	o, err = s.transition(ctx, id, model.SwapPendingConfirmation, model.SwapCompleting, nil)
	if err != nil {
		return nil, err
	}

	steps := []struct {
		apply ledger.AdjustRequest
		undo  []ledger.AdjustRequest
	}{
		{
			apply: ledger.AdjustRequest{UserID: o.SellerID, Asset: o.FromAsset, Delta: o.FromAmount, DebitsFrozen: true, Reason: ledger.ReasonSwapSettle, RefID: o.ID},
			undo: []ledger.AdjustRequest{
				{UserID: o.SellerID, Asset: o.FromAsset, Delta: o.FromAmount, RefID: o.ID},
				{UserID: o.SellerID, Asset: o.FromAsset, Delta: o.FromAmount, AffectsFrozen: true, RefID: o.ID},
			},
		},
		{
			apply: ledger.AdjustRequest{UserID: o.TakerID, Asset: o.FromAsset, Delta: o.FromAmount, Reason: ledger.ReasonSwapReceive, RefID: o.ID},
			undo:  []ledger.AdjustRequest{{UserID: o.TakerID, Asset: o.FromAsset, Delta: o.FromAmount.Neg(), RefID: o.ID}},
		},
		{
			apply: ledger.AdjustRequest{UserID: o.SellerID, Asset: o.ToAsset, Delta: o.ToAmount, Reason: ledger.ReasonSwapReceive, RefID: o.ID},
			undo:  []ledger.AdjustRequest{{UserID: o.SellerID, Asset: o.ToAsset, Delta: o.ToAmount.Neg(), RefID: o.ID}},
		},
	}

	applied := 0
	for _, st := range steps {
		if _, err = s.ledger.Adjust(ctx, st.apply); err != nil {
			break
		}
		applied++
	}

	if err == nil {
		done, terr := s.transition(ctx, id, model.SwapCompleting, model.SwapCompleted, nil)
		if terr != nil {
			// Funds have moved; the claim is ours, so only a store fault lands here.
			slog.Error("swap transferred but not marked completed, needs reconciliation", "id", id, "err", terr)
			return nil, fmt.Errorf("confirm swap %s: %w", id, terr)
		}
		return done, nil
	}

	for i := applied - 1; i >= 0; i-- {
		for _, req := range steps[i].undo {
			if uerr := s.undo(ctx, req); uerr != nil {
				slog.Error("swap confirmation stuck in completing, needs reconciliation",
					"id", id, "applied", applied, "unwound_to", i, "err", uerr)
				return nil, fmt.Errorf("confirm swap %s: %w (rollback incomplete: %v)", id, err, uerr)
			}
		}
	}
	if _, terr := s.transition(ctx, id, model.SwapCompleting, model.SwapPendingConfirmation, nil); terr != nil {
		slog.Error("swap rolled back but not reopened", "id", id, "err", terr)
	}
	slog.Warn("swap confirmation rolled back", "id", id, "applied", applied, "err", err)
	return nil, fmt.Errorf("confirm swap %s: %w", id, err)
}

func (s *Service) requireSeller(ctx context.Context, id, sellerID string) error {
	o, err := s.store.GetSwap(ctx, id)
	if err != nil {
		return err
	}
	if o.SellerID != sellerID {
		return fmt.Errorf("%w: only the seller can manage the listing", ErrNotParticipant)
	}
	return nil
}

// transition applies a conditional status change and maps a lost race
// to ErrStaleTransition.
func (s *Service) transition(ctx context.Context, id string, from, to model.SwapStatus, mutate func(*model.SwapOrder)) (*model.SwapOrder, error) {
	now := s.clk.Now()
	o, err := s.store.TransitionSwap(ctx, id, from, to, func(o *model.SwapOrder) {
		if mutate != nil {
			mutate(o)
		}
		o.UpdatedAt = now
	})
	if errors.Is(err, store.ErrConflict) {
		metrics.SwapTransitions.WithLabelValues(string(to), "stale").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStaleTransition, err)
	}
	if err != nil {
		metrics.SwapTransitions.WithLabelValues(string(to), "error").Inc()
		return nil, err
	}
	s.notify(ctx, o, from, false)
	return o, nil
}

func (s *Service) notify(ctx context.Context, o *model.SwapOrder, from model.SwapStatus, created bool) {
	if !created {
		metrics.SwapTransitions.WithLabelValues(string(o.Status), "ok").Inc()
	}
	slog.Info("swap order updated",
		"id", o.ID,
		"from", from,
		"to", o.Status,
		"seller", o.SellerID,
		"taker", o.TakerID,
	)
	s.pub.Publish(ctx, events.Event{
		Type:      events.TypeSwapTransition,
		UserID:    o.SellerID,
		Payload:   o,
		Timestamp: o.UpdatedAt,
	})
}

func (s *Service) undo(ctx context.Context, req ledger.AdjustRequest) error {
	req.Reason = ledger.ReasonCompensation
	_, err := s.ledger.Adjust(ctx, req)
	if err != nil {
		slog.Error("swap compensation failed",
			"user", req.UserID, "asset", req.Asset, "delta", req.Delta.String(), "ref", req.RefID, "err", err)
	}
	return err
}
