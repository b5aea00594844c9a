package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKind is the discriminant of the Position variant.
type PositionKind string

const (
	KindContract         PositionKind = "contract"
	KindSpot             PositionKind = "spot"
	KindDailyInvestment  PositionKind = "daily_investment"
	KindHourlyInvestment PositionKind = "hourly_investment"
)

// PositionStatus moves active -> settled exactly once.
type PositionStatus string

const (
	PositionActive  PositionStatus = "active"
	PositionSettled PositionStatus = "settled"
)

// Side of a contract or spot trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Outcome of a settled position.
type Outcome string

const (
	OutcomeWin    Outcome = "win"
	OutcomeLoss   Outcome = "loss"
	OutcomeMature Outcome = "matured" // investments
	OutcomeFilled Outcome = "filled"  // spot
)

// Position is a contract trade, spot trade or investment. Kind selects
// which of the optional fields are meaningful:
//
//	contract:          Pair, Side, EntryPrice, ProfitRate, MaturesAt
//	spot:              Pair, Side, EntryPrice (fill price); settled at creation
//	daily_investment:  ProfitRate (daily), PeriodDays
//	hourly_investment: ProfitRate (per product), Hours
//
// A position is immutable once Status is settled.
type Position struct {
	ID              string          `json:"id" db:"id"`
	Kind            PositionKind    `json:"kind" db:"kind"`
	UserID          string          `json:"user_id" db:"user_id"`
	Pair            string          `json:"pair,omitempty" db:"pair"`
	Asset           string          `json:"asset" db:"asset"` // asset the amount is denominated in
	Side            Side            `json:"side,omitempty" db:"side"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	EntryPrice      decimal.Decimal `json:"entry_price" db:"entry_price"`
	ProfitRate      decimal.Decimal `json:"profit_rate" db:"profit_rate"`
	PeriodDays      int             `json:"period_days,omitempty" db:"period_days"`
	Hours           int             `json:"hours,omitempty" db:"hours"`
	ProductID       string          `json:"product_id,omitempty" db:"product_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	MaturesAt       time.Time       `json:"matures_at" db:"matures_at"`
	Status          PositionStatus  `json:"status" db:"status"`
	Outcome         Outcome         `json:"outcome,omitempty" db:"outcome"`
	Profit          decimal.Decimal `json:"profit" db:"profit"`
	SettlementPrice decimal.Decimal `json:"settlement_price" db:"settlement_price"`
	SettledAt       *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// Due reports whether an active position has reached maturity at now.
func (p *Position) Due(now time.Time) bool {
	return p.Status == PositionActive && !p.MaturesAt.After(now)
}

// Settlement is the result the settlement engine writes with the
// active -> settled transition.
type Settlement struct {
	Outcome         Outcome
	Profit          decimal.Decimal
	SettlementPrice decimal.Decimal
	SettledAt       time.Time
}
