// Package pricegen synthesizes a strictly positive OHLC series per pair by
// a bounded multiplicative random walk.
package pricegen

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/model"
)

// MinPrice is the floor applied to every generated price.
var MinPrice = decimal.New(1, -instrument.PriceScale)

// Config controls the walk.
type Config struct {
	// Volatility is ε: each tick moves close = open*(1+U(-ε,ε)).
	Volatility float64

	// Jitter widens high/low beyond open/close by up to this fraction.
	Jitter float64

	// Retention bounds the in-memory window; older ticks are evicted.
	Retention time.Duration
}

// DefaultConfig returns the settings the engine ships with.
func DefaultConfig() Config {
	return Config{Volatility: 0.001, Jitter: 0.0005, Retention: 4 * time.Hour}
}

type series struct {
	last   decimal.Decimal
	seeded bool
	ready  bool
	ticks  []model.Tick
}

// Generator owns the natural price series of every pair. It is safe for
// concurrent use, but the simulator loop is expected to be its only
// writer.
type Generator struct {
	cfg Config

	mu     sync.Mutex
	rng    *rand.Rand
	series map[string]*series
}

// New creates a generator with a deterministic random source.
func New(cfg Config, seed int64) *Generator {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Generator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		series: make(map[string]*series),
	}
}

func (g *Generator) get(pair string) *series {
	s, ok := g.series[pair]
	if !ok {
		s = &series{}
		g.series[pair] = s
	}
	return s
}

// Seed sets the price the next tick of pair opens at.
func (g *Generator) Seed(pair string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.get(pair)
	s.last = floor(instrument.RoundPrice(price))
	s.seeded = true
}

// RandomSeed draws a price uniformly from [min, max].
func (g *Generator) RandomSeed(min, max decimal.Decimal) decimal.Decimal {
	g.mu.Lock()
	u := g.rng.Float64()
	g.mu.Unlock()

	span := max.Sub(min)
	return floor(instrument.RoundPrice(min.Add(span.Mul(decimal.NewFromFloat(u)))))
}

// Ready reports whether pair's history is complete and live ticks may be
// produced.
func (g *Generator) Ready(pair string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.series[pair]
	return ok && s.ready
}

// Last returns the price the next tick will open at.
func (g *Generator) Last(pair string) (decimal.Decimal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.series[pair]
	if !ok || !s.seeded {
		return decimal.Zero, false
	}
	return s.last, true
}

// Override replaces the most recent tick of t.Pair with t and anchors the
// walk to t.Close. The simulator uses it when an intervention changed the
// published price of the tick just generated.
func (g *Generator) Override(t model.Tick) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.get(t.Pair)
	if n := len(s.ticks); n > 0 && s.ticks[n-1].Time.Equal(t.Time) {
		s.ticks[n-1] = t
	} else {
		s.ticks = append(s.ticks, t)
	}
	s.last = floor(t.Close)
	s.seeded = true
}

// Tick produces the next natural tick for pair at now. It returns false if
// the pair is unseeded or its backfill has not completed.
func (g *Generator) Tick(pair string, now time.Time) (model.Tick, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.series[pair]
	if !ok || !s.seeded || !s.ready {
		return model.Tick{}, false
	}

	t := g.step(pair, s.last, now)
	s.last = t.Close
	s.ticks = append(s.ticks, t)
	g.evict(s, now)
	return t, true
}

// step builds one tick opening at open. Caller holds g.mu.
func (g *Generator) step(pair string, open decimal.Decimal, at time.Time) model.Tick {
	eps := g.cfg.Volatility
	factor := 1 + (g.rng.Float64()*2-1)*eps
	cl := floor(instrument.RoundPrice(open.Mul(decimal.NewFromFloat(factor))))
	return g.bracket(pair, open, cl, at)
}

// bracket fills high/low around open and close. Caller holds g.mu.
func (g *Generator) bracket(pair string, open, cl decimal.Decimal, at time.Time) model.Tick {
	hi, lo := decimal.Max(open, cl), decimal.Min(open, cl)
	up := decimal.NewFromFloat(1 + g.rng.Float64()*g.cfg.Jitter)
	down := decimal.NewFromFloat(1 - g.rng.Float64()*g.cfg.Jitter)

	return model.Tick{
		Pair:   pair,
		Open:   open,
		High:   decimal.Max(hi, instrument.RoundPrice(hi.Mul(up))),
		Low:    floor(decimal.Min(lo, instrument.RoundPrice(lo.Mul(down)))),
		Close:  cl,
		Volume: decimal.NewFromFloat(g.rng.Float64() * 10).Round(4),
		Time:   at,
	}
}

func (g *Generator) evict(s *series, now time.Time) {
	cutoff := now.Add(-g.cfg.Retention)
	i := 0
	for i < len(s.ticks) && s.ticks[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.ticks = s.ticks[i:]
	}
}

// Backfill generates points ticks spaced interval apart ending at now,
// chained backwards from the current seed so the history flows into the
// live price. It runs at most once per pair; later calls return false.
// The full batch is returned for persistence, while only the retention
// window is kept in memory.
func (g *Generator) Backfill(pair string, now time.Time, points int, interval time.Duration) ([]model.Tick, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.get(pair)
	if s.ready || !s.seeded {
		return nil, false
	}

	batch := make([]model.Tick, points)
	cur := s.last
	for i := points - 1; i >= 0; i-- {
		at := now.Add(-time.Duration(points-1-i) * interval)
		factor := 1 + (g.rng.Float64()*2-1)*g.cfg.Volatility
		open := floor(instrument.RoundPrice(cur.Div(decimal.NewFromFloat(factor))))
		batch[i] = g.bracket(pair, open, cur, at)
		cur = open
	}

	s.ticks = append(s.ticks, batch...)
	g.evict(s, now)
	s.ready = true
	return batch, true
}

// Restore loads persisted history for pair, continues the walk from its
// last close and marks the pair ready. Ticks must be oldest first.
func (g *Generator) Restore(pair string, ticks []model.Tick, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.get(pair)
	s.ticks = append([]model.Tick(nil), ticks...)
	g.evict(s, now)
	if n := len(ticks); n > 0 {
		s.last = ticks[n-1].Close
		s.seeded = true
	}
	s.ready = s.seeded
}

// History returns a copy of pair's in-memory ticks with Time >= since.
func (g *Generator) History(pair string, since time.Time) []model.Tick {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.series[pair]
	if !ok {
		return nil
	}
	out := make([]model.Tick, 0, len(s.ticks))
	for _, t := range s.ticks {
		if !t.Time.Before(since) {
			out = append(out, t)
		}
	}
	return out
}

func floor(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	return p
}
