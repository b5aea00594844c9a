package market

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/intervention"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/pricegen"
	"github.com/atmx/sim-engine/internal/refprice"
	"github.com/atmx/sim-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 5, 6, 12, 0, 0, 0, time.UTC)

type staticRefs map[string]decimal.Decimal

func (s staticRefs) Latest(pair string) (refprice.Quote, bool) {
	p, ok := s[pair]
	return refprice.Quote{Price: p, FetchedAt: t0}, ok
}

type tickSink struct{ ticks []model.Tick }

func (s *tickSink) BroadcastTick(t model.Tick) { s.ticks = append(s.ticks, t) }

type fixture struct {
	sim   *Simulator
	store *store.MemoryStore
	rules *intervention.Service
	clk   *clock.Fake
	sink  *tickSink
}

func newFixture(t *testing.T, refs References, opts Options) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewFake(t0)
	rules := intervention.NewService(st, intervention.DefaultSettings(), nil, clk)
	sink := &tickSink{}
	pairs := []PairSpec{
		{Pair: "BTC/USDT", SeedMin: d(60000), SeedMax: d(61000)},
		{Pair: "ETH/USDT", SeedMin: d(3000), SeedMax: d(3100)},
	}
	sim := NewSimulator(
		pricegen.New(pricegen.DefaultConfig(), 1),
		intervention.NewScheduler(1),
		rules, NewTable(), st, refs, sink, clk, pairs, opts,
	)
	return &fixture{sim: sim, store: st, rules: rules, clk: clk, sink: sink}
}

func defaultOpts() Options {
	return Options{
		Retention:        4 * time.Hour,
		HistoryRetention: 24 * time.Hour,
		BackfillPoints:   30,
		BackfillInterval: time.Minute,
	}
}

func TestBootstrap_SeedsFromReferenceAndBackfills(t *testing.T) {
	f := newFixture(t, staticRefs{"BTC/USDT": d(65000)}, defaultOpts())
	ctx := context.Background()

	require.NoError(t, f.sim.Bootstrap(ctx))

	btc, ok := f.sim.LatestPrice("BTC/USDT")
	require.True(t, ok)
	assert.True(t, btc.Equal(d(65000)), "backfill must end at the reference seed, got %s", btc)

	eth, ok := f.sim.LatestPrice("ETH/USDT")
	require.True(t, ok)
	assert.True(t, eth.GreaterThanOrEqual(d(3000)) && eth.LessThanOrEqual(d(3100)), "random seed %s outside band", eth)

	stored, err := f.store.ListTicks(ctx, "BTC/USDT", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, stored, 30)

	// A second bootstrap does not backfill again.
	require.NoError(t, f.sim.Bootstrap(ctx))
	stored, _ = f.store.ListTicks(ctx, "BTC/USDT", t0.Add(-time.Hour))
	assert.Len(t, stored, 30)
}

func TestBootstrap_RestoresPersistedHistory(t *testing.T) {
	f := newFixture(t, nil, defaultOpts())
	ctx := context.Background()

	history := []model.Tick{
		{Pair: "BTC/USDT", Open: d(100), High: d(101), Low: d(99), Close: d(100.5), Time: t0.Add(-2 * time.Minute)},
		{Pair: "BTC/USDT", Open: d(100.5), High: d(102), Low: d(100), Close: d(101.25), Time: t0.Add(-time.Minute)},
	}
	require.NoError(t, f.store.InsertTicks(ctx, history))

	require.NoError(t, f.sim.Bootstrap(ctx))

	p, ok := f.sim.LatestPrice("BTC/USDT")
	require.True(t, ok)
	assert.True(t, p.Equal(d(101.25)))

	stored, _ := f.store.ListTicks(ctx, "BTC/USDT", t0.Add(-time.Hour))
	assert.Len(t, stored, 2, "restored pairs are not backfilled")

	f.clk.Advance(time.Second)
	require.NoError(t, f.sim.Tick(ctx))
	require.Len(t, f.sink.ticks, 2)
	assert.True(t, f.sink.ticks[0].Open.Equal(d(101.25)), "live series continues from the restored close")
}

func TestTick_SkipsPairsBeforeBootstrap(t *testing.T) {
	f := newFixture(t, nil, defaultOpts())
	require.NoError(t, f.sim.Tick(context.Background()))
	assert.Empty(t, f.sink.ticks)
	_, ok := f.sim.LatestPrice("BTC/USDT")
	assert.False(t, ok)
}

func TestTick_InterventionDrivesPublishedPrice(t *testing.T) {
	f := newFixture(t, staticRefs{"BTC/USDT": d(59000), "ETH/USDT": d(3000)}, defaultOpts())
	ctx := context.Background()
	require.NoError(t, f.sim.Bootstrap(ctx))

	r, err := f.rules.Add(ctx, model.Intervention{
		Pair:      "BTC/USDT",
		StartTime: "00:00",
		EndTime:   "23:59:59",
		MinPrice:  d(60000),
		MaxPrice:  d(62000),
		Trend:     model.TrendUp,
		Priority:  50,
		IsActive:  true,
	})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		f.clk.Advance(time.Second)
		require.NoError(t, f.sim.Tick(ctx))

		p, _ := f.sim.LatestPrice("BTC/USDT")
		assert.True(t, p.GreaterThanOrEqual(d(60000)) && p.LessThanOrEqual(d(62000)), "tick %d published %s", i, p)
	}

	// The generator continues from the published price, so its history
	// matches what subscribers saw.
	hist, err := f.sim.History(ctx, "BTC/USDT", t0)
	require.NoError(t, err)
	var published []model.Tick
	for _, tk := range f.sink.ticks {
		if tk.Pair == "BTC/USDT" {
			published = append(published, tk)
		}
	}
	require.Len(t, published, 5)
	last := hist[len(hist)-1]
	assert.True(t, last.Close.Equal(published[4].Close))

	logs, err := f.rules.Logs(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func TestPersist_WritesTicksStatesAndPrunes(t *testing.T) {
	opts := defaultOpts()
	opts.HistoryRetention = 4 * time.Hour
	f := newFixture(t, nil, opts)
	ctx := context.Background()

	old := model.Tick{Pair: "XRP/USDT", Open: d(1), High: d(1), Low: d(1), Close: d(1), Time: t0.Add(-5 * time.Hour)}
	require.NoError(t, f.store.InsertTicks(ctx, []model.Tick{old}))

	require.NoError(t, f.sim.Bootstrap(ctx))
	for i := 0; i < 3; i++ {
		f.clk.Advance(time.Second)
		require.NoError(t, f.sim.Tick(ctx))
	}
	require.NoError(t, f.sim.Persist(ctx))

	states, err := f.store.ListPriceStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	btc, err := f.store.ListTicks(ctx, "BTC/USDT", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, btc, 33, "backfill plus three live ticks")

	xrp, _ := f.store.ListTicks(ctx, "XRP/USDT", t0.Add(-24*time.Hour))
	assert.Empty(t, xrp, "ticks beyond history retention are pruned")

	// Nothing pending: persisting again adds no ticks.
	require.NoError(t, f.sim.Persist(ctx))
	btc, _ = f.store.ListTicks(ctx, "BTC/USDT", t0.Add(-time.Hour))
	assert.Len(t, btc, 33)
}

func TestTable_UpdateTracksSession(t *testing.T) {
	tbl := NewTable()
	tbl.Update(model.Tick{Pair: "BTC/USDT", High: d(105), Low: d(95), Close: d(100), Volume: d(1), Time: t0})
	st := tbl.Update(model.Tick{Pair: "BTC/USDT", High: d(103), Low: d(90), Close: d(92), Volume: d(2), Time: t0.Add(time.Second)})

	assert.True(t, st.Price.Equal(d(92)))
	assert.True(t, st.High.Equal(d(105)))
	assert.True(t, st.Low.Equal(d(90)))
	assert.True(t, st.Volume.Equal(d(3)))
	assert.Equal(t, t0.Add(time.Second), st.UpdatedAt)

	tbl.Update(model.Tick{Pair: "ADA/USDT", High: d(1), Low: d(1), Close: d(1), Time: t0})
	snap := tbl.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "ADA/USDT", snap[0].Pair)
}
