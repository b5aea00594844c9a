package pricegen

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func ready(t *testing.T, g *Generator, pair string, seed decimal.Decimal) {
	t.Helper()
	g.Seed(pair, seed)
	_, ok := g.Backfill(pair, t0, 0, time.Minute)
	require.True(t, ok)
}

func TestTick_NotReadyBeforeBackfill(t *testing.T) {
	g := New(DefaultConfig(), 1)

	_, ok := g.Tick("BTC/USDT", t0)
	assert.False(t, ok, "unseeded pair must not tick")

	g.Seed("BTC/USDT", d(60000))
	_, ok = g.Tick("BTC/USDT", t0)
	assert.False(t, ok, "pair must not tick before backfill completes")

	g.Backfill("BTC/USDT", t0, 10, time.Minute)
	_, ok = g.Tick("BTC/USDT", t0.Add(time.Second))
	assert.True(t, ok)
}

func TestTick_BoundedStepAndRounding(t *testing.T) {
	cfg := Config{Volatility: 0.01, Jitter: 0.005, Retention: time.Hour}
	g := New(cfg, 42)
	ready(t, g, "ETH/USDT", d(3000))

	prev := d(3000)
	for i := 1; i <= 500; i++ {
		tick, ok := g.Tick("ETH/USDT", t0.Add(time.Duration(i)*time.Second))
		require.True(t, ok)

		assert.True(t, tick.Open.Equal(prev), "tick %d must open at previous close", i)
		assert.True(t, tick.Close.Equal(tick.Close.Round(2)), "close must have 2 places")

		move := tick.Close.Sub(tick.Open).Abs().Div(tick.Open)
		assert.True(t, move.LessThanOrEqual(d(0.0101)), "tick %d moved %s", i, move)

		assert.True(t, tick.High.GreaterThanOrEqual(decimal.Max(tick.Open, tick.Close)))
		assert.True(t, tick.Low.LessThanOrEqual(decimal.Min(tick.Open, tick.Close)))
		prev = tick.Close
	}
}

func TestTick_StrictlyPositive(t *testing.T) {
	// Extreme volatility drives the walk toward the floor.
	g := New(Config{Volatility: 0.9, Jitter: 0.5, Retention: time.Hour}, 7)
	ready(t, g, "DOGE/USDT", d(0.05))

	for i := 1; i <= 2000; i++ {
		tick, ok := g.Tick("DOGE/USDT", t0.Add(time.Duration(i)*time.Second))
		require.True(t, ok)
		assert.True(t, tick.Close.GreaterThanOrEqual(MinPrice))
		assert.True(t, tick.Low.GreaterThanOrEqual(MinPrice))
	}
}

func TestTick_RetentionEvictsOldest(t *testing.T) {
	g := New(Config{Volatility: 0.001, Retention: 10 * time.Second}, 3)
	ready(t, g, "BTC/USDT", d(60000))

	for i := 1; i <= 30; i++ {
		g.Tick("BTC/USDT", t0.Add(time.Duration(i)*time.Second))
	}

	hist := g.History("BTC/USDT", time.Time{})
	require.NotEmpty(t, hist)
	assert.Len(t, hist, 11)
	assert.Equal(t, t0.Add(20*time.Second), hist[0].Time)
	for i := 1; i < len(hist); i++ {
		assert.True(t, hist[i].Time.After(hist[i-1].Time), "history must stay ordered")
	}
}

func TestBackfill_OnceAndEndsAtSeed(t *testing.T) {
	g := New(DefaultConfig(), 11)
	g.Seed("BTC/USDT", d(61000))

	batch, ok := g.Backfill("BTC/USDT", t0, 240, time.Minute)
	require.True(t, ok)
	require.Len(t, batch, 240)

	assert.True(t, batch[239].Close.Equal(d(61000)), "history must flow into the seed")
	assert.Equal(t, t0, batch[239].Time)
	assert.Equal(t, t0.Add(-239*time.Minute), batch[0].Time)
	for i := 1; i < len(batch); i++ {
		assert.True(t, batch[i].Open.Equal(batch[i-1].Close), "backfill must be chained at %d", i)
	}

	again, ok := g.Backfill("BTC/USDT", t0, 240, time.Minute)
	assert.False(t, ok)
	assert.Nil(t, again)
}

func TestRestore_ContinuesFromLastClose(t *testing.T) {
	src := New(DefaultConfig(), 5)
	src.Seed("ETH/USDT", d(3100))
	batch, _ := src.Backfill("ETH/USDT", t0, 30, time.Minute)

	g := New(DefaultConfig(), 6)
	g.Restore("ETH/USDT", batch, t0)

	assert.True(t, g.Ready("ETH/USDT"))
	last, ok := g.Last("ETH/USDT")
	require.True(t, ok)
	assert.True(t, last.Equal(batch[len(batch)-1].Close))

	_, ok = g.Backfill("ETH/USDT", t0, 30, time.Minute)
	assert.False(t, ok, "restored pair must not backfill again")
}

func TestOverride_AnchorsNextTick(t *testing.T) {
	g := New(DefaultConfig(), 9)
	ready(t, g, "BTC/USDT", d(60000))

	tick, _ := g.Tick("BTC/USDT", t0.Add(time.Second))
	tick.Close = d(61500)
	g.Override(tick)

	hist := g.History("BTC/USDT", time.Time{})
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Close.Equal(d(61500)))

	next, _ := g.Tick("BTC/USDT", t0.Add(2*time.Second))
	assert.True(t, next.Open.Equal(d(61500)))
}

func TestRandomSeed_WithinBand(t *testing.T) {
	g := New(DefaultConfig(), 13)
	for i := 0; i < 100; i++ {
		p := g.RandomSeed(d(58000), d(64000))
		assert.True(t, p.GreaterThanOrEqual(d(58000)) && p.LessThanOrEqual(d(64000)))
	}
}

func TestDeterministicWithSameSeed(t *testing.T) {
	a, b := New(DefaultConfig(), 99), New(DefaultConfig(), 99)
	ready(t, a, "BTC/USDT", d(60000))
	ready(t, b, "BTC/USDT", d(60000))

	for i := 1; i <= 50; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		ta, _ := a.Tick("BTC/USDT", at)
		tb, _ := b.Tick("BTC/USDT", at)
		require.True(t, ta.Close.Equal(tb.Close))
	}
}
