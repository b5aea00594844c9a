package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/sim-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	prices        map[string]model.PriceState
	ticks         map[string][]model.Tick
	interventions map[string]model.Intervention
	ruleLogs      []model.InterventionLog
	balances      map[balanceKey]model.Balance
	journal       []model.LedgerEntry
	positions     map[string]*model.Position
	swaps         map[string]*model.SwapOrder
	users         map[string]model.User
	commissions   []model.CommissionLog
}

type balanceKey struct {
	userID string
	asset  string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prices:        make(map[string]model.PriceState),
		ticks:         make(map[string][]model.Tick),
		interventions: make(map[string]model.Intervention),
		balances:      make(map[balanceKey]model.Balance),
		positions:     make(map[string]*model.Position),
		swaps:         make(map[string]*model.SwapOrder),
		users:         make(map[string]model.User),
	}
}

// --- Prices ---

func (s *MemoryStore) UpsertPriceStates(_ context.Context, states []model.PriceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range states {
		s.prices[st.Pair] = st
	}
	return nil
}

func (s *MemoryStore) GetPriceState(_ context.Context, pair string) (*model.PriceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.prices[pair]
	if !ok {
		return nil, fmt.Errorf("price state %s: %w", pair, ErrNotFound)
	}
	return &st, nil
}

func (s *MemoryStore) ListPriceStates(_ context.Context) ([]model.PriceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]model.PriceState, 0, len(s.prices))
	for _, st := range s.prices {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Pair < states[j].Pair })
	return states, nil
}

func (s *MemoryStore) InsertTicks(_ context.Context, ticks []model.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range ticks {
		s.ticks[t.Pair] = append(s.ticks[t.Pair], t)
	}
	return nil
}

func (s *MemoryStore) ListTicks(_ context.Context, pair string, since time.Time) ([]model.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Tick
	for _, t := range s.ticks[pair] {
		if !t.Time.Before(since) {
			result = append(result, t)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Time.Before(result[j].Time) })
	return result, nil
}

func (s *MemoryStore) PruneTicks(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pair, ticks := range s.ticks {
		kept := ticks[:0]
		for _, t := range ticks {
			if !t.Time.Before(before) {
				kept = append(kept, t)
			}
		}
		s.ticks[pair] = kept
	}
	return nil
}

// --- Interventions ---

func (s *MemoryStore) SaveIntervention(_ context.Context, rule *model.Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.interventions[rule.ID] = copyIntervention(*rule)
	return nil
}

func (s *MemoryStore) GetIntervention(_ context.Context, id string) (*model.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.interventions[id]
	if !ok {
		return nil, fmt.Errorf("intervention %s: %w", id, ErrNotFound)
	}
	c := copyIntervention(r)
	return &c, nil
}

func (s *MemoryStore) ListInterventions(_ context.Context) ([]model.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]model.Intervention, 0, len(s.interventions))
	for _, r := range s.interventions {
		rules = append(rules, copyIntervention(r))
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })
	return rules, nil
}

func (s *MemoryStore) DeleteIntervention(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.interventions[id]; !ok {
		return fmt.Errorf("intervention %s: %w", id, ErrNotFound)
	}
	delete(s.interventions, id)
	return nil
}

func (s *MemoryStore) InsertInterventionLog(_ context.Context, entry *model.InterventionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ruleLogs = append(s.ruleLogs, *entry)
	return nil
}

func (s *MemoryStore) ListInterventionLogs(_ context.Context, ruleID string, limit int) ([]model.InterventionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InterventionLog
	for i := len(s.ruleLogs) - 1; i >= 0; i-- {
		if s.ruleLogs[i].RuleID != ruleID {
			continue
		}
		result = append(result, s.ruleLogs[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func copyIntervention(r model.Intervention) model.Intervention {
	if r.Recurring != nil {
		rec := *r.Recurring
		rec.Weekdays = append([]time.Weekday(nil), r.Recurring.Weekdays...)
		r.Recurring = &rec
	}
	return r
}

// --- Balances ---

// UpdateBalance holds the store write lock for the whole read-modify-write,
// which serializes every balance mutation.
func (s *MemoryStore) UpdateBalance(_ context.Context, entry *model.LedgerEntry, fn func(b *model.Balance) error) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{userID: entry.UserID, asset: entry.Asset}
	b, ok := s.balances[key]
	if !ok {
		b = model.Balance{UserID: entry.UserID, Asset: entry.Asset}
	}

	if err := fn(&b); err != nil {
		return nil, err
	}

	s.balances[key] = b
	s.journal = append(s.journal, *entry)
	result := b
	return &result, nil
}

func (s *MemoryStore) GetBalances(_ context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Balance
	for k, b := range s.balances {
		if k.userID == userID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.journal {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByRef(_ context.Context, refID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.journal {
		if e.RefID == refID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists: %w", p.ID, ErrConflict)
	}
	c := *p
	s.positions[p.ID] = &c
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListDuePositions(_ context.Context, now time.Time, limit int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Due(now) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MaturesAt.Before(result[j].MaturesAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) SettlePosition(_ context.Context, id string, result model.Settlement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return false, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if p.Status != model.PositionActive {
		return false, nil
	}
	settledAt := result.SettledAt
	p.Status = model.PositionSettled
	p.Outcome = result.Outcome
	p.Profit = result.Profit
	p.SettlementPrice = result.SettlementPrice
	p.SettledAt = &settledAt
	return true, nil
}

func (s *MemoryStore) ListSettledPositions(_ context.Context, from, to time.Time, limit int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Status != model.PositionSettled || p.SettledAt == nil {
			continue
		}
		if p.SettledAt.Before(from) || !p.SettledAt.Before(to) {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SettledAt.Before(*result[j].SettledAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- Swaps ---

func (s *MemoryStore) CreateSwap(_ context.Context, o *model.SwapOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.swaps[o.ID]; ok {
		return fmt.Errorf("swap %s already exists: %w", o.ID, ErrConflict)
	}
	c := *o
	s.swaps[o.ID] = &c
	return nil
}

func (s *MemoryStore) GetSwap(_ context.Context, id string) (*model.SwapOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.swaps[id]
	if !ok {
		return nil, fmt.Errorf("swap %s: %w", id, ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (s *MemoryStore) ListSwaps(_ context.Context, status model.SwapStatus) ([]model.SwapOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SwapOrder
	for _, o := range s.swaps {
		if status == "" || o.Status == status {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) TransitionSwap(_ context.Context, id string, from, to model.SwapStatus, mutate func(o *model.SwapOrder)) (*model.SwapOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.swaps[id]
	if !ok {
		return nil, fmt.Errorf("swap %s: %w", id, ErrNotFound)
	}
	if o.Status != from {
		return nil, fmt.Errorf("swap %s is %s, not %s: %w", id, o.Status, from, ErrConflict)
	}
	c := *o
	if mutate != nil {
		mutate(&c)
	}
	c.Status = to
	*o = c
	return &c, nil
}

// --- Users ---

func (s *MemoryStore) UpsertUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

// --- Commissions ---

func (s *MemoryStore) InsertCommission(_ context.Context, c *model.CommissionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commissions = append(s.commissions, *c)
	return nil
}

func (s *MemoryStore) ListCommissionsByUser(_ context.Context, userID string) ([]model.CommissionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CommissionLog
	for i := len(s.commissions) - 1; i >= 0; i-- {
		if s.commissions[i].UserID == userID {
			result = append(result, s.commissions[i])
		}
	}
	return result, nil
}
