package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/sim-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary. Methods
// not overridden here pass straight through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) UpsertPriceStates(ctx context.Context, states []model.PriceState) error {
	if err := s.Store.UpsertPriceStates(ctx, states); err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	for i := range states {
		if data, err := json.Marshal(states[i]); err == nil {
			pipe.Set(ctx, priceKey(states[i].Pair), data, s.ttl)
		}
	}
	// Cache failures never fail the write.
	_, _ = pipe.Exec(ctx)
	return nil
}

func (s *CachedStore) UpdateBalance(ctx context.Context, entry *model.LedgerEntry, fn func(b *model.Balance) error) (*model.Balance, error) {
	b, err := s.Store.UpdateBalance(ctx, entry, fn)
	if err != nil {
		return nil, err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, balancesKey(entry.UserID))
	return b, nil
}

func (s *CachedStore) UpsertUser(ctx context.Context, u *model.User) error {
	if err := s.Store.UpsertUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) TransitionSwap(ctx context.Context, id string, from, to model.SwapStatus, mutate func(o *model.SwapOrder)) (*model.SwapOrder, error) {
	o, err := s.Store.TransitionSwap(ctx, id, from, to, mutate)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, swapKey(id))
	return o, nil
}

// --- Read-through ---

func (s *CachedStore) GetPriceState(ctx context.Context, pair string) (*model.PriceState, error) {
	var st model.PriceState
	if s.get(ctx, priceKey(pair), &st) {
		return &st, nil
	}

	got, err := s.Store.GetPriceState(ctx, pair)
	if err != nil {
		return nil, err
	}
	s.set(ctx, priceKey(pair), got)
	return got, nil
}

func (s *CachedStore) GetBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	var balances []model.Balance
	if s.get(ctx, balancesKey(userID), &balances) {
		return balances, nil
	}

	balances, err := s.Store.GetBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, balancesKey(userID), balances)
	return balances, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.get(ctx, userKey(id), &u) {
		return &u, nil
	}

	got, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, userKey(id), got)
	return got, nil
}

func (s *CachedStore) GetSwap(ctx context.Context, id string) (*model.SwapOrder, error) {
	var o model.SwapOrder
	if s.get(ctx, swapKey(id), &o) {
		return &o, nil
	}

	got, err := s.Store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, swapKey(id), got)
	return got, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst interface{}) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func priceKey(pair string) string   { return fmt.Sprintf("price:%s", pair) }
func balancesKey(uid string) string { return fmt.Sprintf("balances:%s", uid) }
func userKey(id string) string      { return fmt.Sprintf("user:%s", id) }
func swapKey(id string) string      { return fmt.Sprintf("swap:%s", id) }
