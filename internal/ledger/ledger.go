// Package ledger owns every balance mutation. Each Adjust is atomic and
// serialized per (user, asset) by the store, and writes its journal entry
// in the same step. No bucket ever goes negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

var (
	// ErrInsufficientBalance is returned when an adjustment would take the
	// available or frozen bucket below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidAdjustment is returned for malformed requests.
	ErrInvalidAdjustment = errors.New("ledger: invalid adjustment")
)

// Journal reasons.
const (
	ReasonAdmin           = "admin_adjust"
	ReasonContractStake   = "contract_stake"
	ReasonContractRelease = "contract_release"
	ReasonContractPayout  = "contract_payout"
	ReasonSpotDebit       = "spot_debit"
	ReasonSpotCredit      = "spot_credit"
	ReasonInvestment      = "investment_subscribe"
	ReasonInvestmentPay   = "investment_payout"
	ReasonCommission      = "commission"
	ReasonSwapFreeze      = "swap_freeze"
	ReasonSwapUnfreeze    = "swap_unfreeze"
	ReasonSwapSettle      = "swap_settle"
	ReasonSwapReceive     = "swap_receive"
	ReasonCompensation    = "compensation"
)

// AdjustRequest describes one balance mutation.
//
//	DebitsFrozen:  frozen -= |Delta|
//	AffectsFrozen: frozen += Delta, available -= Delta
//	otherwise:     available += Delta
type AdjustRequest struct {
	UserID        string          `json:"user_id"`
	Asset         string          `json:"asset"`
	Delta         decimal.Decimal `json:"delta"`
	AffectsFrozen bool            `json:"affects_frozen"`
	DebitsFrozen  bool            `json:"debits_frozen"`
	Reason        string          `json:"reason"`
	RefID         string          `json:"ref_id,omitempty"`
}

func (r AdjustRequest) kind() string {
	switch {
	case r.DebitsFrozen:
		return "debit_frozen"
	case r.AffectsFrozen:
		if r.Delta.IsNegative() {
			return "unfreeze"
		}
		return "freeze"
	case r.Delta.IsNegative():
		return "debit"
	default:
		return "credit"
	}
}

// Ledger applies adjustments through a BalanceStore.
type Ledger struct {
	store store.BalanceStore
	pub   events.Publisher
	clk   clock.Clock
}

// New creates a ledger. pub may be nil.
func New(st store.BalanceStore, pub events.Publisher, clk clock.Clock) *Ledger {
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{store: st, pub: pub, clk: clk}
}

// Adjust applies req atomically and returns the resulting balance. On
// ErrInsufficientBalance nothing changes.
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest) (*model.Balance, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidAdjustment)
	}
	asset, err := instrument.NormalizeAsset(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdjustment, err)
	}
	if req.AffectsFrozen && req.DebitsFrozen {
		return nil, fmt.Errorf("%w: affects_frozen and debits_frozen are exclusive", ErrInvalidAdjustment)
	}
	req.Asset = asset
	delta := instrument.Round(asset, req.Delta)

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Asset:     asset,
		Reason:    req.Reason,
		RefID:     req.RefID,
		Timestamp: l.clk.Now(),
	}
	switch {
	case req.DebitsFrozen:
		entry.FrozenDelta = delta.Abs().Neg()
	case req.AffectsFrozen:
		entry.FrozenDelta = delta
		entry.AvailableDelta = delta.Neg()
	default:
		entry.AvailableDelta = delta
	}

	kind := req.kind()
	bal, err := l.store.UpdateBalance(ctx, entry, func(b *model.Balance) error {
		available := b.Available.Add(entry.AvailableDelta)
		frozen := b.Frozen.Add(entry.FrozenDelta)
		if available.IsNegative() || frozen.IsNegative() {
			return fmt.Errorf("%w: %s %s available=%s frozen=%s delta=%s",
				ErrInsufficientBalance, req.UserID, asset,
				b.Available.String(), b.Frozen.String(), delta.String())
		}
		b.Available = available
		b.Frozen = frozen
		b.UpdatedAt = entry.Timestamp
		return nil
	})
	if err != nil {
		metrics.LedgerAdjustments.WithLabelValues(kind, "rejected").Inc()
		return nil, err
	}
	metrics.LedgerAdjustments.WithLabelValues(kind, "ok").Inc()

	slog.Debug("balance adjusted",
		"user", req.UserID,
		"asset", asset,
		"kind", kind,
		"delta", delta.String(),
		"reason", req.Reason,
		"ref", req.RefID,
	)
	l.pub.Publish(ctx, events.Event{
		Type:      events.TypeBalanceAdjusted,
		UserID:    req.UserID,
		Payload:   entry,
		Timestamp: entry.Timestamp,
	})
	return bal, nil
}

// BalancesOf returns a snapshot of a user's balances.
func (l *Ledger) BalancesOf(ctx context.Context, userID string) ([]model.Balance, error) {
	return l.store.GetBalances(ctx, userID)
}

// Balance returns one balance; a never-referenced asset reads as zero.
func (l *Ledger) Balance(ctx context.Context, userID, asset string) (model.Balance, error) {
	all, err := l.store.GetBalances(ctx, userID)
	if err != nil {
		return model.Balance{}, err
	}
	for _, b := range all {
		if b.Asset == asset {
			return b, nil
		}
	}
	return model.Balance{UserID: userID, Asset: asset}, nil
}

// Require checks that userID has at least amount of asset available.
// It is a pre-check only; Adjust re-validates under the row lock.
func (l *Ledger) Require(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	b, err := l.Balance(ctx, userID, asset)
	if err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, userID, b.Available.String(), asset, amount.String())
	}
	return nil
}

// Journal returns a user's ledger entries, oldest first.
func (l *Ledger) Journal(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return l.store.GetLedgerEntriesByUser(ctx, userID)
}
