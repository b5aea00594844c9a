package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SwapStatus is a state of the P2P swap escrow.
type SwapStatus string

const (
	SwapOpen                SwapStatus = "open"
	SwapPendingPayment      SwapStatus = "pending_payment"
	SwapPendingConfirmation SwapStatus = "pending_confirmation"
	SwapCompleting          SwapStatus = "completing"
	SwapCompleted           SwapStatus = "completed"
	SwapDisputed            SwapStatus = "disputed"
	SwapCancelled           SwapStatus = "cancelled"
	SwapWithdrawn           SwapStatus = "withdrawn"
)

// SwapOrder is a P2P order. The seller's FromAmount of FromAsset stays
// frozen from creation until completion or withdrawal.
type SwapOrder struct {
	ID         string          `json:"id" db:"id"`
	SellerID   string          `json:"seller_id" db:"seller_id"`
	TakerID    string          `json:"taker_id,omitempty" db:"taker_id"`
	FromAsset  string          `json:"from_asset" db:"from_asset"`
	FromAmount decimal.Decimal `json:"from_amount" db:"from_amount"`
	ToAsset    string          `json:"to_asset" db:"to_asset"`
	ToAmount   decimal.Decimal `json:"to_amount" db:"to_amount"`
	Status     SwapStatus      `json:"status" db:"status"`
	ProofURL   string          `json:"proof_url,omitempty" db:"proof_url"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}
