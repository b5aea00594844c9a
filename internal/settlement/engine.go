// Package settlement settles matured positions exactly once.
//
// A scan claims each due position with an atomic active -> settled
// transition in the store and pays out only after winning that claim, so
// any number of concurrent scans credit each position at most once.
//
// A payout that fails after the claim leaves a settled position without
// its journal entries. Reconcile finds those by their RefID and pays the
// missing legs.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

var (
	// ErrSettlementSkipped marks a contract settled at its entry price
	// because no market price was available.
	ErrSettlementSkipped = errors.New("settlement: no market price, settled at entry")

	// ErrUnknownKind is returned for positions of an unsupported kind.
	ErrUnknownKind = errors.New("settlement: unknown position kind")
)

// DefaultBatchSize bounds how many due positions one scan processes.
const DefaultBatchSize = 500

const (
	// DefaultReconcileWindow is how far back Reconcile looks on startup.
	DefaultReconcileWindow = 24 * time.Hour

	// DefaultReconcileGrace keeps Reconcile away from positions whose
	// payout may still be in flight.
	DefaultReconcileGrace = time.Minute
)

// Store is the persistence the engine needs: positions plus journal
// lookups by reference.
type Store interface {
	store.PositionStore
	GetLedgerEntriesByRef(ctx context.Context, refID string) ([]model.LedgerEntry, error)
}

// Ledger moves funds for payouts.
type Ledger interface {
	Adjust(ctx context.Context, req ledger.AdjustRequest) (*model.Balance, error)
}

// Engine settles due positions.
type Engine struct {
	store     Store
	ledger    Ledger
	prices    market.PriceSource
	pub       events.Publisher
	clk       clock.Clock
	batchSize int

	window time.Duration
	grace  time.Duration

	// cursor is the SettledAt up to which every position is known to be
	// paid. Only the reconcile loop touches it.
	cursor time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(st Store, l Ledger, prices market.PriceSource, pub events.Publisher, clk clock.Clock, batchSize int) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		store:     st,
		ledger:    l,
		prices:    prices,
		pub:       pub,
		clk:       clk,
		batchSize: batchSize,
		window:    DefaultReconcileWindow,
		grace:     DefaultReconcileGrace,
	}
}

// SetReconcileWindow overrides how far back Reconcile first looks and how
// old a settlement must be before Reconcile touches it. Zero keeps the
// default.
func (e *Engine) SetReconcileWindow(window, grace time.Duration) {
	if window > 0 {
		e.window = window
	}
	if grace > 0 {
		e.grace = grace
	}
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Due       int
	Settled   int
	Conflicts int
	Failed    int
}

// Scan settles every position due at the current time, up to the batch
// size. Per-position failures are logged and counted; the scan carries on.
func (e *Engine) Scan(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	defer func() {
		metrics.SettlementScanDuration.Observe(time.Since(start).Seconds())
	}()

	now := e.clk.Now()
	due, err := e.store.ListDuePositions(ctx, now, e.batchSize)
	if err != nil {
		return ScanResult{}, fmt.Errorf("list due positions: %w", err)
	}

	res := ScanResult{Due: len(due)}
	for i := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		won, err := e.Settle(ctx, &due[i], now)
		switch {
		case err != nil:
			res.Failed++
		case won:
			res.Settled++
		default:
			res.Conflicts++
		}
	}

	if res.Due > 0 {
		slog.Info("settlement scan",
			"due", res.Due,
			"settled", res.Settled,
			"conflicts", res.Conflicts,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// Run is Scan shaped for clock.Scheduler.
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.Scan(ctx)
	return err
}

// ReconcileResult summarizes one reconciliation sweep.
type ReconcileResult struct {
	Checked  int
	Repaired int
	Failed   int
}

// Reconcile pays the missing legs of settled positions whose payout
// journal entries are absent. It looks at positions settled since the
// last clean sweep, or within the reconcile window on the first run, and
// leaves alone anything settled within the grace period. It must run
// from a single loop.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	now := e.clk.Now()
	from := e.cursor
	if from.IsZero() || from.Before(now.Add(-e.window)) {
		from = now.Add(-e.window)
	}
	to := now.Add(-e.grace)
	if !from.Before(to) {
		return ReconcileResult{}, nil
	}

	settled, err := e.store.ListSettledPositions(ctx, from, to, e.batchSize)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list settled positions: %w", err)
	}

	var res ReconcileResult
	clean := true
	cursor := from
	for i := range settled {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		p := &settled[i]
		res.Checked++
		repaired, err := e.repair(ctx, p)
		switch {
		case err != nil:
			res.Failed++
			clean = false
			slog.Error("reconcile payout failed", "id", p.ID, "user", p.UserID, "kind", p.Kind, "err", err)
		case repaired:
			res.Repaired++
			metrics.PositionsSettled.WithLabelValues(string(p.Kind), string(p.Outcome)).Inc()
			slog.Warn("repaired settled position without payout", "id", p.ID, "user", p.UserID, "kind", p.Kind)
		}
		if clean {
			cursor = *p.SettledAt
		}
	}
	if clean && len(settled) < e.batchSize {
		cursor = to
	}
	e.cursor = cursor

	if res.Repaired > 0 || res.Failed > 0 {
		slog.Info("settlement reconcile", "checked", res.Checked, "repaired", res.Repaired, "failed", res.Failed)
	}
	return res, nil
}

// RunReconcile is Reconcile shaped for clock.Scheduler.
func (e *Engine) RunReconcile(ctx context.Context) error {
	_, err := e.Reconcile(ctx)
	return err
}

// repair pays whatever legs of p's payout are missing from the journal.
// It reports whether anything was paid.
func (e *Engine) repair(ctx context.Context, p *model.Position) (bool, error) {
	entries, err := e.store.GetLedgerEntriesByRef(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("journal for %s: %w", p.ID, err)
	}
	paid := make(map[string]bool, len(entries))
	for _, en := range entries {
		if en.UserID == p.UserID && en.Asset == p.Asset {
			paid[en.Reason] = true
		}
	}
	if complete(p, paid) {
		return false, nil
	}

	result := model.Settlement{
		Outcome:         p.Outcome,
		Profit:          p.Profit,
		SettlementPrice: p.SettlementPrice,
		SettledAt:       *p.SettledAt,
	}
	if err := e.payout(ctx, p, result, paid); err != nil {
		return false, err
	}
	return true, nil
}

// complete reports whether paid holds every payout leg p needs.
func complete(p *model.Position, paid map[string]bool) bool {
	switch p.Kind {
	case model.KindContract:
		if !paid[ledger.ReasonContractRelease] {
			return false
		}
		return p.Outcome != model.OutcomeWin || paid[ledger.ReasonContractPayout]
	case model.KindDailyInvestment, model.KindHourlyInvestment:
		return paid[ledger.ReasonInvestmentPay]
	default:
		// Spot trades settle at placement and have no payout leg.
		return true
	}
}

// Settle computes the result of p, claims it and pays out. It returns
// false without error when another settler claimed p first.
func (e *Engine) Settle(ctx context.Context, p *model.Position, now time.Time) (bool, error) {
	result, err := e.evaluate(p, now)
	if err != nil {
		slog.Error("cannot settle position", "id", p.ID, "kind", p.Kind, "err", err)
		return false, err
	}

	won, err := e.store.SettlePosition(ctx, p.ID, result)
	if err != nil {
		return false, fmt.Errorf("claim position %s: %w", p.ID, err)
	}
	if !won {
		metrics.SettlementConflicts.Inc()
		slog.Debug("position already settled", "id", p.ID)
		return false, nil
	}

	if err := e.payout(ctx, p, result, nil); err != nil {
		slog.Error("payout failed after settlement claim, needs reconciliation",
			"id", p.ID,
			"user", p.UserID,
			"kind", p.Kind,
			"amount", p.Amount.String(),
			"profit", result.Profit.String(),
			"err", err,
		)
		return true, err
	}

	metrics.PositionsSettled.WithLabelValues(string(p.Kind), string(result.Outcome)).Inc()
	slog.Info("position settled",
		"id", p.ID,
		"kind", p.Kind,
		"user", p.UserID,
		"outcome", result.Outcome,
		"profit", result.Profit.String(),
		"settlement_price", result.SettlementPrice.String(),
	)

	settled := *p
	settled.Status = model.PositionSettled
	settled.Outcome = result.Outcome
	settled.Profit = result.Profit
	settled.SettlementPrice = result.SettlementPrice
	settled.SettledAt = &result.SettledAt
	e.pub.Publish(ctx, events.Event{
		Type:      events.TypePositionSettled,
		Pair:      p.Pair,
		UserID:    p.UserID,
		Payload:   settled,
		Timestamp: result.SettledAt,
	})
	return true, nil
}

func (e *Engine) evaluate(p *model.Position, now time.Time) (model.Settlement, error) {
	switch p.Kind {
	case model.KindContract:
		price, ok := e.prices.LatestPrice(p.Pair)
		if !ok {
			slog.Warn("settling at entry price", "id", p.ID, "pair", p.Pair, "err", ErrSettlementSkipped)
			price = p.EntryPrice
		}
		return ContractResult(p, price, now), nil
	case model.KindDailyInvestment:
		profit := p.Amount.Mul(p.ProfitRate).Mul(decimal.NewFromInt(int64(p.PeriodDays)))
		return model.Settlement{
			Outcome:   model.OutcomeMature,
			Profit:    instrument.Round(p.Asset, profit),
			SettledAt: now,
		}, nil
	case model.KindHourlyInvestment:
		return model.Settlement{
			Outcome:   model.OutcomeMature,
			Profit:    instrument.Round(p.Asset, p.Amount.Mul(p.ProfitRate)),
			SettledAt: now,
		}, nil
	case model.KindSpot:
		return model.Settlement{}, fmt.Errorf("%w: spot positions settle at placement", ErrUnknownKind)
	default:
		return model.Settlement{}, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
}

// ContractResult decides a contract: buy wins above entry, sell wins
// below. A win earns Amount*ProfitRate; a loss forfeits the stake.
func ContractResult(p *model.Position, price decimal.Decimal, now time.Time) model.Settlement {
	win := (p.Side == model.SideBuy && price.GreaterThan(p.EntryPrice)) ||
		(p.Side == model.SideSell && price.LessThan(p.EntryPrice))
	if win {
		return model.Settlement{
			Outcome:         model.OutcomeWin,
			Profit:          instrument.Round(p.Asset, p.Amount.Mul(p.ProfitRate)),
			SettlementPrice: price,
			SettledAt:       now,
		}
	}
	return model.Settlement{
		Outcome:         model.OutcomeLoss,
		Profit:          p.Amount.Neg(),
		SettlementPrice: price,
		SettledAt:       now,
	}
}

// payout credits p's settlement. Legs whose reason is in paid are
// skipped.
func (e *Engine) payout(ctx context.Context, p *model.Position, result model.Settlement, paid map[string]bool) error {
	switch p.Kind {
	case model.KindContract:
		if !paid[ledger.ReasonContractRelease] {
			if _, err := e.ledger.Adjust(ctx, ledger.AdjustRequest{
				UserID:       p.UserID,
				Asset:        p.Asset,
				Delta:        p.Amount,
				DebitsFrozen: true,
				Reason:       ledger.ReasonContractRelease,
				RefID:        p.ID,
			}); err != nil {
				return fmt.Errorf("release stake: %w", err)
			}
		}
		if result.Outcome != model.OutcomeWin || paid[ledger.ReasonContractPayout] {
			return nil
		}
		if _, err := e.ledger.Adjust(ctx, ledger.AdjustRequest{
			UserID: p.UserID,
			Asset:  p.Asset,
			Delta:  p.Amount.Add(result.Profit),
			Reason: ledger.ReasonContractPayout,
			RefID:  p.ID,
		}); err != nil {
			return fmt.Errorf("credit winnings: %w", err)
		}
		return nil
	case model.KindDailyInvestment, model.KindHourlyInvestment:
		if paid[ledger.ReasonInvestmentPay] {
			return nil
		}
		if _, err := e.ledger.Adjust(ctx, ledger.AdjustRequest{
			UserID: p.UserID,
			Asset:  p.Asset,
			Delta:  p.Amount.Add(result.Profit),
			Reason: ledger.ReasonInvestmentPay,
			RefID:  p.ID,
		}); err != nil {
			return fmt.Errorf("credit investment: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
}
