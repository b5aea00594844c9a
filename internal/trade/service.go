// Package trade places contract trades, spot trades and investments.
// Placement validates the request, moves funds through the ledger and
// stores the position; the settlement engine takes it from there.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/exposure"
	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

var (
	ErrInvalidRequest = errors.New("trade: invalid request")
	ErrUnknownProduct = errors.New("trade: unknown product")
	ErrBelowMinimum   = errors.New("trade: amount below product minimum")
	ErrNoPrice        = errors.New("trade: no price for pair")
	ErrAccountFrozen  = errors.New("trade: account is frozen")
)

// Store is the persistence placement needs.
type Store interface {
	store.PositionStore
	store.UserStore
}

// Ledger moves funds for placements.
type Ledger interface {
	Adjust(ctx context.Context, req ledger.AdjustRequest) (*model.Balance, error)
}

// Commissioner pays referral commission on a trade.
type Commissioner interface {
	Distribute(ctx context.Context, traderID, tradeID, asset string, tradeAmount decimal.Decimal) ([]model.CommissionLog, error)
}

// Service places positions. Contract placement is serialized so the
// exposure check and the stake freeze see a consistent view.
type Service struct {
	store      Store
	ledger     Ledger
	prices     market.PriceSource
	limiter    *exposure.Limiter
	commission Commissioner
	catalog    *Catalog
	pub        events.Publisher
	clk        clock.Clock
	mu         sync.Mutex
}

// NewService creates a placement service. limiter, commission and pub
// may be nil.
func NewService(
	st Store,
	l Ledger,
	prices market.PriceSource,
	limiter *exposure.Limiter,
	commission Commissioner,
	catalog *Catalog,
	pub events.Publisher,
	clk clock.Clock,
) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		store:      st,
		ledger:     l,
		prices:     prices,
		limiter:    limiter,
		commission: commission,
		catalog:    catalog,
		pub:        pub,
		clk:        clk,
	}
}

// Catalog returns the product catalog.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// --- Request types ---

// ContractRequest is the JSON body for POST /trades/contract.
type ContractRequest struct {
	UserID    string          `json:"user_id"`
	Pair      string          `json:"pair"`
	Side      model.Side      `json:"side"`
	Amount    decimal.Decimal `json:"amount"` // stake, in the quote asset
	ProductID string          `json:"product_id"`
}

// SpotRequest is the JSON body for POST /trades/spot.
type SpotRequest struct {
	UserID string          `json:"user_id"`
	Pair   string          `json:"pair"`
	Side   model.Side      `json:"side"`
	Amount decimal.Decimal `json:"amount"` // in the base asset
}

// InvestmentRequest is the JSON body for POST /investments/{daily,hourly}.
type InvestmentRequest struct {
	UserID    string          `json:"user_id"`
	ProductID string          `json:"product_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (s *Service) checkUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if u.IsFrozen {
		return fmt.Errorf("%w: %s", ErrAccountFrozen, userID)
	}
	return nil
}

func parseSide(side model.Side) error {
	if side != model.SideBuy && side != model.SideSell {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidRequest)
	}
	return nil
}

func (s *Service) price(pair string) (decimal.Decimal, error) {
	p, ok := s.prices.LatestPrice(pair)
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, pair)
	}
	return p, nil
}

// PlaceContractTrade freezes the stake and opens an up/down contract at
// the latest price.
func (s *Service) PlaceContractTrade(ctx context.Context, req ContractRequest) (*model.Position, error) {
	if err := s.checkUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	pair, err := instrument.ParsePair(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := parseSide(req.Side); err != nil {
		return nil, err
	}
	product, ok := s.catalog.Contracts[req.ProductID]
	if !ok {
		return nil, fmt.Errorf("%w: contract %q", ErrUnknownProduct, req.ProductID)
	}
	amount := instrument.Round(pair.Quote, req.Amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	}
	if amount.LessThan(product.MinAmount) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount.String(), product.MinAmount.String())
	}
	entry, err := s.price(pair.String())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// --- Position limit check ---
	if s.limiter != nil {
		exposures, err := s.openExposure(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		delta := amount
		if req.Side == model.SideSell {
			delta = amount.Neg()
		}
		if err := s.limiter.CheckLimit(pair.String(), delta, exposures); err != nil {
			metrics.PositionLimitRejections.Inc()
			return nil, err
		}
	}

	now := s.clk.Now()
	pos := &model.Position{
		ID:         uuid.New().String(),
		Kind:       model.KindContract,
		UserID:     req.UserID,
		Pair:       pair.String(),
		Asset:      pair.Quote,
		Side:       req.Side,
		Amount:     amount,
		EntryPrice: entry,
		ProfitRate: product.ProfitRate,
		ProductID:  product.ID,
		CreatedAt:  now,
		MaturesAt:  now.Add(product.Duration),
		Status:     model.PositionActive,
	}

	if _, err := s.ledger.Adjust(ctx, ledger.AdjustRequest{
		UserID:        req.UserID,
		Asset:         pair.Quote,
		Delta:         amount,
		AffectsFrozen: true,
		Reason:        ledger.ReasonContractStake,
		RefID:         pos.ID,
	}); err != nil {
		return nil, err
	}

	if err := s.store.CreatePosition(ctx, pos); err != nil {
		s.compensate(ctx, ledger.AdjustRequest{
			UserID:        req.UserID,
			Asset:         pair.Quote,
			Delta:         amount.Neg(),
			AffectsFrozen: true,
			RefID:         pos.ID,
		})
		return nil, fmt.Errorf("create position: %w", err)
	}

	s.placed(ctx, pos)
	s.payCommission(ctx, pos, pair.Quote, amount)
	return pos, nil
}

// openExposure returns the user's signed open contract stake per pair.
func (s *Service) openExposure(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	out := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if p.Kind != model.KindContract || p.Status != model.PositionActive {
			continue
		}
		stake := p.Amount
		if p.Side == model.SideSell {
			stake = stake.Neg()
		}
		out[p.Pair] = out[p.Pair].Add(stake)
	}
	return out, nil
}

// PlaceSpotTrade exchanges Amount of the base asset at the latest price.
// The paying leg is debited before the receiving leg is credited.
func (s *Service) PlaceSpotTrade(ctx context.Context, req SpotRequest) (*model.Position, error) {
	if err := s.checkUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	pair, err := instrument.ParsePair(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := parseSide(req.Side); err != nil {
		return nil, err
	}
	qty := instrument.Round(pair.Base, req.Amount)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	}
	price, err := s.price(pair.String())
	if err != nil {
		return nil, err
	}
	value := instrument.Round(pair.Quote, qty.Mul(price))
	if !value.IsPositive() {
		return nil, fmt.Errorf("%w: trade value rounds to zero", ErrInvalidRequest)
	}

	now := s.clk.Now()
	pos := &model.Position{
		ID:              uuid.New().String(),
		Kind:            model.KindSpot,
		UserID:          req.UserID,
		Pair:            pair.String(),
		Asset:           pair.Base,
		Side:            req.Side,
		Amount:          qty,
		EntryPrice:      price,
		CreatedAt:       now,
		MaturesAt:       now,
		Status:          model.PositionSettled,
		Outcome:         model.OutcomeFilled,
		SettlementPrice: price,
		SettledAt:       &now,
	}

	payAsset, payAmount, getAsset, getAmount := pair.Quote, value, pair.Base, qty
	if req.Side == model.SideSell {
		payAsset, payAmount, getAsset, getAmount = pair.Base, qty, pair.Quote, value
	}

	if _, err := s.ledger.Adjust(ctx, ledger.AdjustRequest{
		UserID: req.UserID,
		Asset:  payAsset,
		Delta:  payAmount.Neg(),
		Reason: ledger.ReasonSpotDebit,
		RefID:  pos.ID,
	}); err != nil {
		return nil, err
	}
	refund := ledger.AdjustRequest{UserID: req.UserID, Asset: payAsset, Delta: payAmount, RefID: pos.ID}

	if _, err := s.ledger.Adjust(ctx, ledger.AdjustRequest{
		UserID: req.UserID,
		Asset:  getAsset,
		Delta:  getAmount,
		Reason: ledger.ReasonSpotCredit,
		RefID:  pos.ID,
	}); err != nil {
		s.compensate(ctx, refund)
		return nil, fmt.Errorf("credit %s: %w", getAsset, err)
	}

	if err := s.store.CreatePosition(ctx, pos); err != nil {
		// Funds have moved; the record is the only thing missing.
		slog.Error("spot trade filled but not recorded",
			"trade_id", pos.ID, "user", req.UserID, "pair", pos.Pair, "err", err)
		return nil, fmt.Errorf("create position: %w", err)
	}

	s.placed(ctx, pos)
	s.payCommission(ctx, pos, pair.Quote, value)
	return pos, nil
}

// AddDailyInvestment debits Amount and opens a daily-rate investment.
func (s *Service) AddDailyInvestment(ctx context.Context, req InvestmentRequest) (*model.Position, error) {
	product, ok := s.catalog.Daily[req.ProductID]
	if !ok {
		return nil, fmt.Errorf("%w: daily %q", ErrUnknownProduct, req.ProductID)
	}
	return s.invest(ctx, req, product.Asset, product.MinAmount, func(p *model.Position) {
		p.Kind = model.KindDailyInvestment
		p.ProfitRate = product.DailyRate
		p.PeriodDays = product.PeriodDays
		p.MaturesAt = p.CreatedAt.AddDate(0, 0, product.PeriodDays)
	})
}

// AddHourlyInvestment debits Amount and opens an hourly investment.
func (s *Service) AddHourlyInvestment(ctx context.Context, req InvestmentRequest) (*model.Position, error) {
	product, ok := s.catalog.Hourly[req.ProductID]
	if !ok {
		return nil, fmt.Errorf("%w: hourly %q", ErrUnknownProduct, req.ProductID)
	}
	return s.invest(ctx, req, product.Asset, product.MinAmount, func(p *model.Position) {
		p.Kind = model.KindHourlyInvestment
		p.ProfitRate = product.Rate
		p.Hours = product.Hours
		p.MaturesAt = p.CreatedAt.Add(time.Duration(product.Hours) * time.Hour)
	})
}

func (s *Service) invest(ctx context.Context, req InvestmentRequest, asset string, minAmount decimal.Decimal, fill func(*model.Position)) (*model.Position, error) {
	if err := s.checkUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	asset, err := instrument.NormalizeAsset(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	amount := instrument.Round(asset, req.Amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	}
	if amount.LessThan(minAmount) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount.String(), minAmount.String())
	}

	pos := &model.Position{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Asset:     asset,
		Amount:    amount,
		ProductID: req.ProductID,
		CreatedAt: s.clk.Now(),
		Status:    model.PositionActive,
	}
	fill(pos)

	if _, err := s.ledger.Adjust(ctx, ledger.AdjustRequest{
		UserID: req.UserID,
		Asset:  asset,
		Delta:  amount.Neg(),
		Reason: ledger.ReasonInvestment,
		RefID:  pos.ID,
	}); err != nil {
		return nil, err
	}

	if err := s.store.CreatePosition(ctx, pos); err != nil {
		s.compensate(ctx, ledger.AdjustRequest{UserID: req.UserID, Asset: asset, Delta: amount, RefID: pos.ID})
		return nil, fmt.Errorf("create position: %w", err)
	}

	s.placed(ctx, pos)
	return pos, nil
}

// Positions returns a user's positions, newest first.
func (s *Service) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.store.ListPositionsByUser(ctx, userID)
}

func (s *Service) compensate(ctx context.Context, req ledger.AdjustRequest) {
	req.Reason = ledger.ReasonCompensation
	if _, err := s.ledger.Adjust(ctx, req); err != nil {
		slog.Error("compensation failed",
			"user", req.UserID, "asset", req.Asset, "delta", req.Delta.String(), "ref", req.RefID, "err", err)
	}
}

func (s *Service) placed(ctx context.Context, pos *model.Position) {
	metrics.PositionsPlaced.WithLabelValues(string(pos.Kind)).Inc()
	slog.Info("position placed",
		"id", pos.ID,
		"kind", pos.Kind,
		"user", pos.UserID,
		"pair", pos.Pair,
		"side", pos.Side,
		"amount", pos.Amount.String(),
		"asset", pos.Asset,
		"entry_price", pos.EntryPrice.String(),
		"matures_at", pos.MaturesAt,
	)
	s.pub.Publish(ctx, events.Event{
		Type:      events.TypeTradePlaced,
		Pair:      pos.Pair,
		UserID:    pos.UserID,
		Payload:   pos,
		Timestamp: pos.CreatedAt,
	})
}

func (s *Service) payCommission(ctx context.Context, pos *model.Position, asset string, amount decimal.Decimal) {
	if s.commission == nil {
		return
	}
	if _, err := s.commission.Distribute(ctx, pos.UserID, pos.ID, asset, amount); err != nil {
		slog.Error("commission distribution failed", "trade_id", pos.ID, "user", pos.UserID, "err", err)
	}
}
