// Package intervention overrides the natural price of a pair while an
// administrator-defined rule is active.
package intervention

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/model"
)

// ErrInvalidConfig is returned for rules that cannot be applied. Rules are
// rejected, never silently clamped.
var ErrInvalidConfig = errors.New("intervention: invalid configuration")

const (
	MinPriority = 1
	MaxPriority = 100
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// ParseClock parses a time of day in "HH:MM" or "HH:MM:SS" form into the
// offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, invalid("time of day %q must be HH:MM or HH:MM:SS", s)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}

	var total time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || len(p) != 2 || n < 0 || n > limits[i] {
			return 0, invalid("time of day %q must be HH:MM or HH:MM:SS", s)
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}

// Validate checks every field of r.
func Validate(r *model.Intervention) error {
	if _, err := instrument.ParsePair(r.Pair); err != nil {
		return invalid("pair: %v", err)
	}
	if !r.MinPrice.IsPositive() {
		return invalid("min_price must be greater than 0")
	}
	if !r.MinPrice.LessThan(r.MaxPrice) {
		return invalid("min_price %s must be below max_price %s", r.MinPrice, r.MaxPrice)
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return invalid("priority %d must be in [%d, %d]", r.Priority, MinPriority, MaxPriority)
	}
	switch r.Trend {
	case model.TrendUp, model.TrendDown, model.TrendRandom:
	default:
		return invalid("trend %q must be up, down or random", r.Trend)
	}
	switch r.ConflictResolution {
	case model.ResolveOverride, model.ResolveBlend, model.ResolveIgnore:
	default:
		return invalid("conflict_resolution %q must be override, blend or ignore", r.ConflictResolution)
	}
	if _, err := ParseClock(r.StartTime); err != nil {
		return err
	}
	if _, err := ParseClock(r.EndTime); err != nil {
		return err
	}
	if r.StartDate != nil && r.EndDate != nil && dateOf(*r.EndDate) < dateOf(*r.StartDate) {
		return invalid("end_date is before start_date")
	}
	if rec := r.Recurring; rec != nil {
		switch rec.Kind {
		case model.RecurDaily, model.RecurWeekdays, model.RecurWeekends:
		case model.RecurWeekly:
			if len(rec.Weekdays) == 0 {
				return invalid("weekly recurrence needs at least one weekday")
			}
			for _, wd := range rec.Weekdays {
				if wd < time.Sunday || wd > time.Saturday {
					return invalid("weekday %d out of range", wd)
				}
			}
		default:
			return invalid("recurrence %q must be daily, weekdays, weekends or weekly", rec.Kind)
		}
	}
	return nil
}

// Rule is a validated intervention with its window parsed.
type Rule struct {
	model.Intervention
	start time.Duration
	end   time.Duration
}

// Compile validates r and parses its window.
func Compile(r model.Intervention) (Rule, error) {
	if err := Validate(&r); err != nil {
		return Rule{}, err
	}
	start, _ := ParseClock(r.StartTime)
	end, _ := ParseClock(r.EndTime)
	return Rule{Intervention: r, start: start, end: end}, nil
}

// ActiveAt reports whether the rule applies at t, evaluated in loc. A
// window whose end precedes its start wraps across midnight; the part
// after midnight belongs to the previous day's window for the date range
// and recurrence checks. Equal start and end cover the whole day.
func (r Rule) ActiveAt(t time.Time, loc *time.Location) bool {
	if !r.IsActive {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	tod := time.Duration(lt.Hour())*time.Hour +
		time.Duration(lt.Minute())*time.Minute +
		time.Duration(lt.Second())*time.Second

	day := lt
	switch {
	case r.start == r.end:
	case r.start < r.end:
		if tod < r.start || tod > r.end {
			return false
		}
	default:
		if tod < r.start && tod > r.end {
			return false
		}
		if tod <= r.end {
			day = lt.AddDate(0, 0, -1)
		}
	}

	if r.StartDate != nil && dateOf(day) < dateOf(*r.StartDate) {
		return false
	}
	if r.EndDate != nil && dateOf(day) > dateOf(*r.EndDate) {
		return false
	}
	return recurs(r.Recurring, day.Weekday())
}

func recurs(rec *model.Recurrence, wd time.Weekday) bool {
	if rec == nil {
		return true
	}
	switch rec.Kind {
	case model.RecurDaily:
		return true
	case model.RecurWeekdays:
		return wd != time.Saturday && wd != time.Sunday
	case model.RecurWeekends:
		return wd == time.Saturday || wd == time.Sunday
	case model.RecurWeekly:
		for _, d := range rec.Weekdays {
			if d == wd {
				return true
			}
		}
	}
	return false
}

// dateOf returns t's calendar date as yyyymmdd in t's own location.
func dateOf(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

// Settings are the global knobs every rule is applied with.
type Settings struct {
	// StepFraction is the share of a rule's band an up/down trend moves
	// per tick.
	StepFraction decimal.Decimal

	// DeviationThreshold flags overrides whose |adjusted-original|/original
	// exceeds it.
	DeviationThreshold decimal.Decimal

	// Transition is how long entry into a newly winning rule is eased.
	// Zero disables easing. While easing in from a price outside the
	// winner's band, published prices are not clamped to the band; they
	// reach it when the transition ends. Every other tick is clamped.
	Transition time.Duration

	// Location is the zone rule windows are evaluated in.
	Location *time.Location
}

// DefaultSettings returns the settings the engine ships with.
func DefaultSettings() Settings {
	return Settings{
		StepFraction:       decimal.RequireFromString("0.01"),
		DeviationThreshold: decimal.RequireFromString("0.05"),
		Location:           time.UTC,
	}
}

// RuleSet is an immutable snapshot of every rule plus the settings in
// force. A new version is built on each change; the simulator passes the
// current snapshot into every tick.
type RuleSet struct {
	Version  uint64
	Settings Settings
	byPair   map[string][]Rule
}

// NewRuleSet compiles rules into a snapshot. Rules that fail validation
// are returned in skipped and left out.
func NewRuleSet(version uint64, rules []model.Intervention, settings Settings) (*RuleSet, []error) {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	set := &RuleSet{Version: version, Settings: settings, byPair: make(map[string][]Rule)}

	var skipped []error
	for _, r := range rules {
		c, err := Compile(r)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("rule %s: %w", r.ID, err))
			continue
		}
		set.byPair[c.Pair] = append(set.byPair[c.Pair], c)
	}
	for _, rs := range set.byPair {
		sortRules(rs)
	}
	return set, skipped
}

// sortRules orders by priority desc, then most recently updated, then ID.
func sortRules(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		if !rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
			return rs[i].UpdatedAt.After(rs[j].UpdatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// Rules returns every rule for pair in resolution order.
func (s *RuleSet) Rules(pair string) []Rule {
	if s == nil {
		return nil
	}
	return s.byPair[pair]
}

// Active returns the rules for pair active at t, in resolution order.
func (s *RuleSet) Active(pair string, t time.Time) []Rule {
	var out []Rule
	for _, r := range s.Rules(pair) {
		if r.ActiveAt(t, s.Settings.Location) {
			out = append(out, r)
		}
	}
	return out
}
