package intervention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

func newService(t *testing.T) (*Service, *store.MemoryStore, *events.Recorder, *clock.Fake) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	clk := clock.NewFake(t0)
	return NewService(st, DefaultSettings(), rec, clk), st, rec, clk
}

func TestService_AddPublishesNewVersion(t *testing.T) {
	svc, _, rec, _ := newService(t)
	ctx := context.Background()

	before := svc.Current().Version

	in := rule("", 60000, 62000, model.TrendUp)
	in.Pair = "btc-usdt"
	in.ConflictResolution = ""
	r, err := svc.Add(ctx, in)
	require.NoError(t, err)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "BTC/USDT", r.Pair)
	assert.Equal(t, model.ResolveOverride, r.ConflictResolution)
	assert.Equal(t, t0, r.CreatedAt)

	set := svc.Current()
	assert.Greater(t, set.Version, before)
	require.Len(t, set.Rules("BTC/USDT"), 1)
	assert.Len(t, rec.OfType(events.TypeInterventionChanged), 1)
}

func TestService_AddRejectsInvalid(t *testing.T) {
	svc, st, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, rule("", 62000, 60000, model.TrendUp))
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	rules, _ := st.ListInterventions(ctx)
	assert.Empty(t, rules, "rejected rule must not be stored")
	assert.Equal(t, uint64(0), svc.Current().Version)
}

func TestService_UpdateActivateDeactivateDelete(t *testing.T) {
	svc, _, _, clk := newService(t)
	ctx := context.Background()

	r, err := svc.Add(ctx, rule("", 60000, 62000, model.TrendUp))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	upd := rule("", 61000, 63000, model.TrendDown)
	got, err := svc.Update(ctx, r.ID, upd)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.CreatedAt, got.CreatedAt)
	assert.Equal(t, t0.Add(time.Minute), got.UpdatedAt)
	assert.Equal(t, model.TrendDown, svc.Current().Rules("BTC/USDT")[0].Trend)

	got, err = svc.Deactivate(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Empty(t, svc.Current().Active("BTC/USDT", t0))

	got, err = svc.Activate(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Len(t, svc.Current().Active("BTC/USDT", t0), 1)

	require.NoError(t, svc.Delete(ctx, r.ID))
	assert.Empty(t, svc.Current().Rules("BTC/USDT"))

	_, err = svc.Get(ctx, r.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(svc.Delete(ctx, r.ID), store.ErrNotFound))
}

func TestService_UpdateUnknownRule(t *testing.T) {
	svc, _, _, _ := newService(t)
	_, err := svc.Update(context.Background(), "missing", rule("", 1, 2, model.TrendUp))
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestService_LoadPicksUpStoredRules(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveIntervention(ctx, ptr(rule("stored", 60000, 62000, model.TrendUp))))
	require.NoError(t, st.SaveIntervention(ctx, ptr(rule("bad", 5, 1, model.TrendUp))))

	svc := NewService(st, DefaultSettings(), nil, clock.NewFake(t0))
	require.NoError(t, svc.Load(ctx))

	rules := svc.Current().Rules("BTC/USDT")
	require.Len(t, rules, 1)
	assert.Equal(t, "stored", rules[0].ID)
}

func TestService_RecordFlagsHighSeverity(t *testing.T) {
	svc, st, rec, _ := newService(t)
	ctx := context.Background()

	s := NewScheduler(1)
	set := ruleSet(t, DefaultSettings(), rule("r", 60000, 62000, model.TrendUp))
	res := s.Apply(set, "BTC/USDT", d(50000), t0)
	require.True(t, res.Log.HighSeverity)

	require.NoError(t, svc.Record(ctx, res.Log))
	assert.NotEmpty(t, res.Log.ID)
	assert.Len(t, rec.OfType(events.TypeInterventionDeviation), 1)

	logs, err := svc.Logs(ctx, "r", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].AdjustedPrice.Equal(res.Price))

	calm := &model.InterventionLog{RuleID: "r", Pair: "BTC/USDT", CreatedAt: t0}
	require.NoError(t, svc.Record(ctx, calm))
	assert.Len(t, rec.OfType(events.TypeInterventionDeviation), 1)

	all, _ := st.ListInterventionLogs(ctx, "r", 0)
	assert.Len(t, all, 2)
}

func ptr(r model.Intervention) *model.Intervention {
	return &r
}
