// Package store defines the persistence interface for the simulation and
// settlement engine. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/sim-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional update finds the row in a
	// different state than expected.
	ErrConflict = errors.New("store: conditional update conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	PriceStore
	InterventionStore
	BalanceStore
	PositionStore
	SwapStore
	UserStore
	CommissionStore
}

// PriceStore persists price states and tick history.
type PriceStore interface {
	// UpsertPriceStates writes the latest quote for each pair.
	UpsertPriceStates(ctx context.Context, states []model.PriceState) error

	// GetPriceState returns the latest persisted quote for a pair.
	GetPriceState(ctx context.Context, pair string) (*model.PriceState, error)

	// ListPriceStates returns the latest persisted quote for every pair.
	ListPriceStates(ctx context.Context) ([]model.PriceState, error)

	// InsertTicks appends ticks to the history of their pair.
	InsertTicks(ctx context.Context, ticks []model.Tick) error

	// ListTicks returns ticks for pair with Time >= since, oldest first.
	ListTicks(ctx context.Context, pair string, since time.Time) ([]model.Tick, error)

	// PruneTicks deletes ticks older than before.
	PruneTicks(ctx context.Context, before time.Time) error
}

// InterventionStore persists intervention rules and their audit log.
type InterventionStore interface {
	// SaveIntervention inserts or replaces a rule.
	SaveIntervention(ctx context.Context, rule *model.Intervention) error

	// GetIntervention retrieves a rule by ID.
	GetIntervention(ctx context.Context, id string) (*model.Intervention, error)

	// ListInterventions returns all rules.
	ListInterventions(ctx context.Context) ([]model.Intervention, error)

	// DeleteIntervention removes a rule. Its audit log is kept.
	DeleteIntervention(ctx context.Context, id string) error

	// InsertInterventionLog appends an audit record.
	InsertInterventionLog(ctx context.Context, entry *model.InterventionLog) error

	// ListInterventionLogs returns the newest audit records for a rule.
	ListInterventionLogs(ctx context.Context, ruleID string, limit int) ([]model.InterventionLog, error)
}

// BalanceStore persists balances and their immutable journal.
type BalanceStore interface {
	// UpdateBalance applies fn to the (userID, asset) balance under a
	// row-level lock, creating a zero row on first reference. If fn returns
	// an error nothing is written. On success the new balance and the
	// journal entry are committed together. Concurrent calls for the same
	// key are serialized.
	UpdateBalance(ctx context.Context, entry *model.LedgerEntry, fn func(b *model.Balance) error) (*model.Balance, error)

	// GetBalances returns a snapshot of every balance a user holds.
	GetBalances(ctx context.Context, userID string) ([]model.Balance, error)

	// GetLedgerEntriesByUser returns a user's journal, oldest first.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByRef returns every journal entry carrying refID,
	// oldest first.
	GetLedgerEntriesByRef(ctx context.Context, refID string) ([]model.LedgerEntry, error)
}

// PositionStore persists contract trades, spot trades and investments.
type PositionStore interface {
	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositionsByUser returns a user's positions, newest first.
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// ListDuePositions returns up to limit active positions with
	// MaturesAt <= now, earliest maturity first.
	ListDuePositions(ctx context.Context, now time.Time, limit int) ([]model.Position, error)

	// SettlePosition atomically moves a position from active to settled
	// and records the result. It returns false, without error, when the
	// position was no longer active: that caller lost the race and must not
	// pay out.
	SettlePosition(ctx context.Context, id string, result model.Settlement) (bool, error)

	// ListSettledPositions returns up to limit settled positions with
	// from <= SettledAt < to, earliest settlement first.
	ListSettledPositions(ctx context.Context, from, to time.Time, limit int) ([]model.Position, error)
}

// SwapStore persists P2P swap orders.
type SwapStore interface {
	// CreateSwap persists a new order.
	CreateSwap(ctx context.Context, o *model.SwapOrder) error

	// GetSwap retrieves an order by ID.
	GetSwap(ctx context.Context, id string) (*model.SwapOrder, error)

	// ListSwaps returns orders, optionally filtered by status (empty = all).
	ListSwaps(ctx context.Context, status model.SwapStatus) ([]model.SwapOrder, error)

	// TransitionSwap moves an order from status `from` to `to`, applying
	// mutate to the row first. It returns ErrConflict if the order is not
	// in `from` at update time.
	TransitionSwap(ctx context.Context, id string, from, to model.SwapStatus, mutate func(o *model.SwapOrder)) (*model.SwapOrder, error)
}

// UserStore persists the identity facts the engine consumes.
type UserStore interface {
	// UpsertUser inserts or replaces a user.
	UpsertUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// CommissionStore persists referral payouts.
type CommissionStore interface {
	// InsertCommission appends a payout record.
	InsertCommission(ctx context.Context, c *model.CommissionLog) error

	// ListCommissionsByUser returns payouts received by a user, newest first.
	ListCommissionsByUser(ctx context.Context, userID string) ([]model.CommissionLog, error)
}
