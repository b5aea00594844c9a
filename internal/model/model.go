// Package model defines the core domain types shared across the simulation
// and settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceState is the current quote for one instrument. The simulator loop is
// the only writer; everything else reads snapshots.
type PriceState struct {
	Pair      string          `json:"pair" db:"pair"`
	Price     decimal.Decimal `json:"price" db:"price"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Tick is one OHLC point of a synthetic price series.
type Tick struct {
	Pair   string          `json:"pair" db:"pair"`
	Open   decimal.Decimal `json:"open" db:"open"`
	High   decimal.Decimal `json:"high" db:"high"`
	Low    decimal.Decimal `json:"low" db:"low"`
	Close  decimal.Decimal `json:"close" db:"close"`
	Volume decimal.Decimal `json:"volume" db:"volume"`
	Time   time.Time       `json:"time" db:"time"`
}

// Balance is one user's holding of one asset. Available and Frozen are
// never negative. Rows are created lazily and never deleted.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Asset     string          `json:"asset" db:"asset"`
	Available decimal.Decimal `json:"available" db:"available"`
	Frozen    decimal.Decimal `json:"frozen" db:"frozen"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Total returns available + frozen.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

// LedgerEntry is an immutable journal record of one balance mutation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Asset          string          `json:"asset" db:"asset"`
	AvailableDelta decimal.Decimal `json:"available_delta" db:"available_delta"`
	FrozenDelta    decimal.Decimal `json:"frozen_delta" db:"frozen_delta"`
	Reason         string          `json:"reason" db:"reason"`
	RefID          string          `json:"ref_id,omitempty" db:"ref_id"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// User carries the identity facts the engine consumes from outside:
// referral upline and whether the account is frozen.
type User struct {
	ID         string    `json:"id" db:"id"`
	ReferrerID string    `json:"referrer_id,omitempty" db:"referrer_id"`
	IsFrozen   bool      `json:"is_frozen" db:"is_frozen"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// CommissionLog is an append-only record of a referral payout.
type CommissionLog struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"` // recipient
	SourceUserID string          `json:"source_user_id" db:"source_user_id"`
	Level        int             `json:"level" db:"level"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Asset        string          `json:"asset" db:"asset"`
	TradeID      string          `json:"trade_id" db:"trade_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
