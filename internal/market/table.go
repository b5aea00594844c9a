// Package market runs the price simulation loop and holds the table of
// current prices every other component reads.
package market

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// PriceSource returns the latest published price of a pair.
type PriceSource interface {
	LatestPrice(pair string) (decimal.Decimal, bool)
}

// Table is the current price per pair. The simulator loop is the only
// writer; readers get copies.
type Table struct {
	mu     sync.RWMutex
	states map[string]model.PriceState
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{states: make(map[string]model.PriceState)}
}

// LatestPrice returns the last published close of pair.
func (t *Table) LatestPrice(pair string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[pair]
	if !ok {
		return decimal.Zero, false
	}
	return st.Price, true
}

// Get returns the state of pair.
func (t *Table) Get(pair string) (model.PriceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[pair]
	return st, ok
}

// Snapshot returns every state, ordered by pair.
func (t *Table) Snapshot() []model.PriceState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.PriceState, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// Set replaces the state of a pair.
func (t *Table) Set(st model.PriceState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[st.Pair] = st
}

// Update folds a published tick into its pair's state. High and Low track
// the session extremes; Volume accumulates.
func (t *Table) Update(tick model.Tick) model.PriceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[tick.Pair]
	if !ok {
		st = model.PriceState{Pair: tick.Pair, High: tick.High, Low: tick.Low}
	}
	st.Price = tick.Close
	st.High = decimal.Max(st.High, tick.High)
	st.Low = decimal.Min(st.Low, tick.Low)
	st.Volume = st.Volume.Add(tick.Volume)
	st.UpdatedAt = tick.Time
	t.states[tick.Pair] = st
	return st
}
