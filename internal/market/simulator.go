package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/intervention"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/pricegen"
	"github.com/atmx/sim-engine/internal/refprice"
	"github.com/atmx/sim-engine/internal/store"
)

// PairSpec is one simulated instrument with its fallback seed band.
type PairSpec struct {
	Pair    string
	SeedMin decimal.Decimal
	SeedMax decimal.Decimal
}

// Options control bootstrap and persistence.
type Options struct {
	Retention        time.Duration
	HistoryRetention time.Duration
	BackfillPoints   int
	BackfillInterval time.Duration
}

// Rules is the view of the intervention service the simulator needs.
type Rules interface {
	Current() *intervention.RuleSet
	Record(ctx context.Context, entry *model.InterventionLog) error
}

// References returns cached external prices.
type References interface {
	Latest(pair string) (refprice.Quote, bool)
}

// Broadcaster receives every published tick.
type Broadcaster interface {
	BroadcastTick(t model.Tick)
}

// Simulator produces one published tick per pair per Tick call:
// generator, then intervention scheduler, then the price table.
type Simulator struct {
	gen   *pricegen.Generator
	sched *intervention.Scheduler
	rules Rules
	table *Table
	store store.PriceStore
	refs  References
	out   Broadcaster
	clk   clock.Clock
	pairs []PairSpec
	opts  Options

	mu      sync.Mutex
	pending []model.Tick
}

// NewSimulator wires a simulator. refs and out may be nil.
func NewSimulator(
	gen *pricegen.Generator,
	sched *intervention.Scheduler,
	rules Rules,
	table *Table,
	st store.PriceStore,
	refs References,
	out Broadcaster,
	clk clock.Clock,
	pairs []PairSpec,
	opts Options,
) *Simulator {
	if opts.Retention <= 0 {
		opts.Retention = 4 * time.Hour
	}
	if opts.HistoryRetention < opts.Retention {
		opts.HistoryRetention = opts.Retention
	}
	return &Simulator{
		gen:   gen,
		sched: sched,
		rules: rules,
		table: table,
		store: st,
		refs:  refs,
		out:   out,
		clk:   clk,
		pairs: pairs,
		opts:  opts,
	}
}

// Table returns the current price table.
func (s *Simulator) Table() *Table {
	return s.table
}

// Bootstrap prepares every pair before the first live tick: persisted
// history is restored when present; otherwise the pair is seeded from the
// reference feed (or its seed band) and backfilled once.
func (s *Simulator) Bootstrap(ctx context.Context) error {
	now := s.clk.Now()
	for _, p := range s.pairs {
		if err := s.bootstrapPair(ctx, p, now); err != nil {
			return fmt.Errorf("bootstrap %s: %w", p.Pair, err)
		}
	}
	return nil
}

func (s *Simulator) bootstrapPair(ctx context.Context, p PairSpec, now time.Time) error {
	if s.gen.Ready(p.Pair) {
		return nil
	}

	history, err := s.store.ListTicks(ctx, p.Pair, now.Add(-s.opts.Retention))
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) > 0 {
		s.gen.Restore(p.Pair, history, now)
		for _, t := range history {
			s.table.Update(t)
		}
		slog.Info("price history restored", "pair", p.Pair, "ticks", len(history),
			"last", history[len(history)-1].Close.String())
		return nil
	}

	seed, source := s.seedFor(p)
	s.gen.Seed(p.Pair, seed)

	batch, ok := s.gen.Backfill(p.Pair, now, s.opts.BackfillPoints, s.opts.BackfillInterval)
	if !ok {
		return nil
	}
	if len(batch) > 0 {
		if err := s.store.InsertTicks(ctx, batch); err != nil {
			return fmt.Errorf("persist backfill: %w", err)
		}
		for _, t := range batch {
			s.table.Update(t)
		}
	} else {
		s.table.Set(model.PriceState{Pair: p.Pair, Price: seed, High: seed, Low: seed, UpdatedAt: now})
	}
	slog.Info("price series seeded", "pair", p.Pair, "seed", seed.String(), "source", source,
		"backfill", len(batch))
	return nil
}

func (s *Simulator) seedFor(p PairSpec) (decimal.Decimal, string) {
	if s.refs != nil {
		if q, ok := s.refs.Latest(p.Pair); ok && q.Price.IsPositive() {
			return q.Price, "reference"
		}
	}
	return s.gen.RandomSeed(p.SeedMin, p.SeedMax), "random"
}

// Tick advances every pair by one step. Pairs whose bootstrap has not
// completed are skipped.
func (s *Simulator) Tick(ctx context.Context) error {
	now := s.clk.Now()
	set := s.rules.Current()

	for _, p := range s.pairs {
		natural, ok := s.gen.Tick(p.Pair, now)
		if !ok {
			continue
		}

		published := natural
		res := s.sched.Apply(set, p.Pair, natural.Close, now)
		source := "natural"
		if res.Applied {
			source = "intervention"
			published.Close = res.Price
			published.High = decimal.Max(natural.High, res.Price)
			published.Low = decimal.Min(natural.Low, res.Price)
			s.gen.Override(published)

			if err := s.rules.Record(ctx, res.Log); err != nil {
				slog.Warn("intervention audit write failed", "pair", p.Pair, "rule", res.RuleID, "err", err)
			}
		}

		s.table.Update(published)
		metrics.PriceTicks.WithLabelValues(p.Pair, source).Inc()
		metrics.LatestPrice.WithLabelValues(p.Pair).Set(published.Close.InexactFloat64())

		s.mu.Lock()
		s.pending = append(s.pending, published)
		s.mu.Unlock()

		if s.out != nil {
			s.out.BroadcastTick(published)
		}
	}
	return nil
}

// Persist writes ticks produced since the last call and the current
// price states, then prunes history beyond the retention horizon. Ticks
// that fail to write are retried on the next call.
func (s *Simulator) Persist(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if err := s.store.InsertTicks(ctx, batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return fmt.Errorf("persist ticks: %w", err)
	}
	if err := s.store.UpsertPriceStates(ctx, s.table.Snapshot()); err != nil {
		return fmt.Errorf("persist price states: %w", err)
	}
	if err := s.store.PruneTicks(ctx, s.clk.Now().Add(-s.opts.HistoryRetention)); err != nil {
		return fmt.Errorf("prune ticks: %w", err)
	}
	return nil
}

// History returns published ticks of pair since the given time, from
// memory when the window covers it and from the store otherwise.
func (s *Simulator) History(ctx context.Context, pair string, since time.Time) ([]model.Tick, error) {
	if !since.Before(s.clk.Now().Add(-s.opts.Retention)) {
		return s.gen.History(pair, since), nil
	}
	if err := s.Persist(ctx); err != nil {
		slog.Warn("flush before history read failed", "pair", pair, "err", err)
	}
	return s.store.ListTicks(ctx, pair, since)
}

// LatestPrice implements PriceSource.
func (s *Simulator) LatestPrice(pair string) (decimal.Decimal, bool) {
	return s.table.LatestPrice(pair)
}

// Now returns the simulation clock's current time.
func (s *Simulator) Now() time.Time {
	return s.clk.Now()
}

// Pairs returns the simulated pairs.
func (s *Simulator) Pairs() []string {
	out := make([]string, len(s.pairs))
	for i, p := range s.pairs {
		out[i] = p.Pair
	}
	return out
}
