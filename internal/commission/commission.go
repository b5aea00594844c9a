// Package commission pays multi-level referral commissions on trades.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

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

// Store is the persistence the distributor needs.
type Store interface {
	store.UserStore
	store.CommissionStore
}

// Crediter credits commission to a recipient.
type Crediter interface {
	Adjust(ctx context.Context, req ledger.AdjustRequest) (*model.Balance, error)
}

// MaxLevels is the deepest upline paid.
const MaxLevels = 3

// Distributor walks a trader's referral chain and credits each upline.
type Distributor struct {
	store          Store
	ledger         Crediter
	pub            events.Publisher
	clk            clock.Clock
	referenceAsset string
	rates          []decimal.Decimal
}

// NewDistributor creates a distributor paying rates[i] to the (i+1)th
// upline on trades denominated in referenceAsset. Rates beyond MaxLevels
// are ignored.
func NewDistributor(st Store, l Crediter, pub events.Publisher, clk clock.Clock, referenceAsset string, rates []decimal.Decimal) *Distributor {
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if len(rates) > MaxLevels {
		slog.Warn("commission levels beyond the maximum are ignored", "configured", len(rates), "max", MaxLevels)
		rates = rates[:MaxLevels]
	}
	return &Distributor{
		store:          st,
		ledger:         l,
		pub:            pub,
		clk:            clk,
		referenceAsset: referenceAsset,
		rates:          rates,
	}
}

// Distribute pays commission on a trade of tradeAmount in asset placed by
// traderID. Trades in other assets pay nothing. The walk stops at the
// first missing or frozen upline. It returns the records written.
func (c *Distributor) Distribute(ctx context.Context, traderID, tradeID, asset string, tradeAmount decimal.Decimal) ([]model.CommissionLog, error) {
	if asset != c.referenceAsset || !tradeAmount.IsPositive() {
		return nil, nil
	}

	trader, err := c.store.GetUser(ctx, traderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trader: %w", err)
	}

	var paid []model.CommissionLog
	seen := map[string]bool{traderID: true}
	uplineID := trader.ReferrerID

	for level := 1; level <= len(c.rates) && uplineID != ""; level++ {
		if seen[uplineID] {
			slog.Warn("referral cycle", "trader", traderID, "upline", uplineID)
			break
		}
		seen[uplineID] = true

		upline, err := c.store.GetUser(ctx, uplineID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return paid, fmt.Errorf("load upline %s: %w", uplineID, err)
		}
		if upline.IsFrozen {
			break
		}

		amount := instrument.Round(asset, tradeAmount.Mul(c.rates[level-1]))
		if amount.IsPositive() {
			rec, err := c.pay(ctx, upline.ID, traderID, tradeID, asset, level, amount)
			if err != nil {
				return paid, err
			}
			paid = append(paid, *rec)
		}
		uplineID = upline.ReferrerID
	}
	return paid, nil
}

func (c *Distributor) pay(ctx context.Context, recipient, source, tradeID, asset string, level int, amount decimal.Decimal) (*model.CommissionLog, error) {
	if _, err := c.ledger.Adjust(ctx, ledger.AdjustRequest{
		UserID: recipient,
		Asset:  asset,
		Delta:  amount,
		Reason: ledger.ReasonCommission,
		RefID:  tradeID,
	}); err != nil {
		return nil, fmt.Errorf("credit level %d commission: %w", level, err)
	}

	rec := &model.CommissionLog{
		ID:           uuid.New().String(),
		UserID:       recipient,
		SourceUserID: source,
		Level:        level,
		Amount:       amount,
		Asset:        asset,
		TradeID:      tradeID,
		CreatedAt:    c.clk.Now(),
	}
	if err := c.store.InsertCommission(ctx, rec); err != nil {
		return nil, fmt.Errorf("record commission: %w", err)
	}

	metrics.CommissionsPaid.WithLabelValues(strconv.Itoa(level)).Inc()
	slog.Info("commission paid",
		"recipient", recipient,
		"source", source,
		"level", level,
		"amount", amount.String(),
		"asset", asset,
		"trade", tradeID,
	)
	c.pub.Publish(ctx, events.Event{
		Type:      events.TypeCommissionPaid,
		UserID:    recipient,
		Payload:   rec,
		Timestamp: rec.CreatedAt,
	})
	return rec, nil
}
