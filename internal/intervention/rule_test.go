package intervention

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func rule(id string, min, max float64, trend model.Trend) model.Intervention {
	return model.Intervention{
		ID:                 id,
		Pair:               "BTC/USDT",
		StartTime:          "00:00",
		EndTime:            "00:00",
		MinPrice:           d(min),
		MaxPrice:           d(max),
		Trend:              trend,
		Priority:           50,
		ConflictResolution: model.ResolveOverride,
		IsActive:           true,
	}
}

func date(y int, m time.Month, day int) *time.Time {
	t := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestParseClock(t *testing.T) {
	got, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, got)

	got, err = ParseClock("23:59:59")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour-time.Second, got)

	for _, bad := range []string{"", "9:30", "24:00", "12:60", "12", "12:00:00:00", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.True(t, errors.Is(err, ErrInvalidConfig), "expected ErrInvalidConfig for %q", bad)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *model.Intervention)
	}{
		{"min equals max", func(r *model.Intervention) { r.MaxPrice = r.MinPrice }},
		{"min above max", func(r *model.Intervention) { r.MinPrice = d(70000) }},
		{"non-positive min", func(r *model.Intervention) { r.MinPrice = d(0) }},
		{"priority zero", func(r *model.Intervention) { r.Priority = 0 }},
		{"priority too high", func(r *model.Intervention) { r.Priority = 101 }},
		{"bad trend", func(r *model.Intervention) { r.Trend = "sideways" }},
		{"bad resolution", func(r *model.Intervention) { r.ConflictResolution = "merge" }},
		{"bad pair", func(r *model.Intervention) { r.Pair = "BTCUSDT" }},
		{"bad start time", func(r *model.Intervention) { r.StartTime = "25:00" }},
		{"dates inverted", func(r *model.Intervention) {
			r.StartDate = date(2026, 5, 2)
			r.EndDate = date(2026, 5, 1)
		}},
		{"weekly without days", func(r *model.Intervention) {
			r.Recurring = &model.Recurrence{Kind: model.RecurWeekly}
		}},
		{"unknown recurrence", func(r *model.Intervention) {
			r.Recurring = &model.Recurrence{Kind: "monthly"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("r1", 60000, 62000, model.TrendUp)
			tt.mutate(&r)
			err := Validate(&r)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}

	r := rule("ok", 60000, 62000, model.TrendUp)
	assert.NoError(t, Validate(&r))
}

func TestActiveAt_Window(t *testing.T) {
	r := rule("r1", 1, 2, model.TrendUp)
	r.StartTime, r.EndTime = "09:00", "17:00"
	c, err := Compile(r)
	require.NoError(t, err)

	day := time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC)
	assert.False(t, c.ActiveAt(day.Add(8*time.Hour+59*time.Minute), time.UTC))
	assert.True(t, c.ActiveAt(day.Add(9*time.Hour), time.UTC))
	assert.True(t, c.ActiveAt(day.Add(17*time.Hour), time.UTC))
	assert.False(t, c.ActiveAt(day.Add(17*time.Hour+time.Second), time.UTC))

	c.IsActive = false
	assert.False(t, c.ActiveAt(day.Add(12*time.Hour), time.UTC))
}

func TestActiveAt_WrapsMidnight(t *testing.T) {
	r := rule("r1", 1, 2, model.TrendUp)
	r.StartTime, r.EndTime = "22:00", "02:00"
	r.StartDate = date(2026, 5, 6)
	r.EndDate = date(2026, 5, 6)
	c, err := Compile(r)
	require.NoError(t, err)

	may6 := time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC)
	assert.True(t, c.ActiveAt(may6.Add(23*time.Hour), time.UTC))
	assert.False(t, c.ActiveAt(may6.Add(12*time.Hour), time.UTC))
	// 01:00 on May 7 belongs to the window that opened on May 6.
	assert.True(t, c.ActiveAt(may6.Add(25*time.Hour), time.UTC))
	// 01:00 on May 6 belongs to May 5's window, outside the date range.
	assert.False(t, c.ActiveAt(may6.Add(time.Hour), time.UTC))
}

func TestActiveAt_Location(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	r := rule("r1", 1, 2, model.TrendUp)
	r.StartTime, r.EndTime = "09:00", "10:00"
	c, err := Compile(r)
	require.NoError(t, err)

	at := time.Date(2026, 5, 6, 1, 30, 0, 0, time.UTC) // 09:30 in UTC+8
	assert.True(t, c.ActiveAt(at, loc))
	assert.False(t, c.ActiveAt(at, time.UTC))
}

func TestActiveAt_Recurrence(t *testing.T) {
	saturday := time.Date(2026, 5, 9, 12, 0, 0, 0, time.UTC)
	monday := time.Date(2026, 5, 11, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		rec      model.Recurrence
		saturday bool
		monday   bool
	}{
		{model.Recurrence{Kind: model.RecurDaily}, true, true},
		{model.Recurrence{Kind: model.RecurWeekdays}, false, true},
		{model.Recurrence{Kind: model.RecurWeekends}, true, false},
		{model.Recurrence{Kind: model.RecurWeekly, Weekdays: []time.Weekday{time.Monday}}, false, true},
	}
	for _, tt := range tests {
		r := rule("r1", 1, 2, model.TrendUp)
		rec := tt.rec
		r.Recurring = &rec
		c, err := Compile(r)
		require.NoError(t, err)

		assert.Equal(t, tt.saturday, c.ActiveAt(saturday, time.UTC), "%s on saturday", tt.rec.Kind)
		assert.Equal(t, tt.monday, c.ActiveAt(monday, time.UTC), "%s on monday", tt.rec.Kind)
	}
}

func TestRuleSet_OrdersByPriorityThenRecency(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	low := rule("low", 1, 2, model.TrendUp)
	low.Priority = 10
	highOld := rule("high-old", 1, 2, model.TrendUp)
	highOld.Priority = 90
	highOld.UpdatedAt = old
	highNew := rule("high-new", 1, 2, model.TrendUp)
	highNew.Priority = 90
	highNew.UpdatedAt = old.Add(time.Hour)
	broken := rule("broken", 5, 1, model.TrendUp)

	set, skipped := NewRuleSet(3, []model.Intervention{low, highOld, broken, highNew}, DefaultSettings())
	require.Len(t, skipped, 1)
	assert.Equal(t, uint64(3), set.Version)

	rules := set.Rules("BTC/USDT")
	require.Len(t, rules, 3)
	assert.Equal(t, "high-new", rules[0].ID)
	assert.Equal(t, "high-old", rules[1].ID)
	assert.Equal(t, "low", rules[2].ID)
}
