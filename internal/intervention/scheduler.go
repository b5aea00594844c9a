package intervention

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/model"
)

// Result is the outcome of applying the rule set to one natural tick.
type Result struct {
	// Price is the published price: the natural price when no rule applied.
	Price decimal.Decimal

	// Applied is true when a rule replaced the natural price.
	Applied bool

	// RuleID is the winning rule when Applied.
	RuleID string

	// Log is the audit record for an applied override.
	Log *model.InterventionLog
}

type pairState struct {
	last   decimal.Decimal
	winner string

	// Trend walk position per active rule.
	pos map[string]decimal.Decimal

	enterFrom  decimal.Decimal
	enterStart time.Time
}

// Scheduler turns natural ticks into published prices. It keeps each
// active rule's trend position between ticks; everything else comes from
// the RuleSet passed to Apply.
type Scheduler struct {
	mu    sync.Mutex
	rng   *rand.Rand
	pairs map[string]*pairState
}

// NewScheduler creates a scheduler with a deterministic random source for
// random-trend walks.
func NewScheduler(seed int64) *Scheduler {
	return &Scheduler{
		rng:   rand.New(rand.NewSource(seed)),
		pairs: make(map[string]*pairState),
	}
}

// Apply resolves the active rules for pair at now against the natural
// price and returns the price to publish.
func (s *Scheduler) Apply(set *RuleSet, pair string, natural decimal.Decimal, now time.Time) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.pairs[pair]
	if !ok {
		st = &pairState{last: natural, pos: make(map[string]decimal.Decimal)}
		s.pairs[pair] = st
	}

	active := set.Active(pair, now)
	if len(active) == 0 {
		st.winner = ""
		st.pos = make(map[string]decimal.Decimal)
		st.last = natural
		return Result{Price: natural}
	}

	winner := active[0]
	settings := set.Settings

	// Advance the walk of every active rule; forget the rest.
	next := make(map[string]decimal.Decimal, len(active))
	for _, r := range active {
		cur, seen := st.pos[r.ID]
		if !seen {
			cur = clamp(st.last, r.MinPrice, r.MaxPrice)
		}
		next[r.ID] = s.walk(r, cur, settings.StepFraction)
	}
	st.pos = next

	target := next[winner.ID]
	if winner.ConflictResolution == model.ResolveBlend {
		target = blend(winner, active, next)
	}

	if st.winner != winner.ID {
		st.winner = winner.ID
		st.enterFrom = st.last
		st.enterStart = now
	}

	price := target
	if settings.Transition > 0 {
		if elapsed := now.Sub(st.enterStart); elapsed < settings.Transition {
			x := float64(elapsed) / float64(settings.Transition)
			w := decimal.NewFromFloat(easeInOutCubic(x))
			price = st.enterFrom.Add(target.Sub(st.enterFrom).Mul(w))
		}
	}
	price = instrument.RoundPrice(price)
	if settings.Transition == 0 || !now.Before(st.enterStart.Add(settings.Transition)) || inBand(st.enterFrom, winner) {
		price = clamp(price, winner.MinPrice, winner.MaxPrice)
	}
	st.last = price

	return Result{
		Price:   price,
		Applied: true,
		RuleID:  winner.ID,
		Log:     auditLog(winner, natural, price, settings.DeviationThreshold, now),
	}
}

// walk moves cur one tick along r's trend.
func (s *Scheduler) walk(r Rule, cur decimal.Decimal, stepFraction decimal.Decimal) decimal.Decimal {
	step := r.MaxPrice.Sub(r.MinPrice).Mul(stepFraction)

	switch r.Trend {
	case model.TrendUp:
		if cur.GreaterThanOrEqual(r.MaxPrice) {
			return r.MinPrice
		}
		return decimal.Min(cur.Add(step), r.MaxPrice)
	case model.TrendDown:
		if cur.LessThanOrEqual(r.MinPrice) {
			return r.MaxPrice
		}
		return decimal.Max(cur.Sub(step), r.MinPrice)
	default:
		u := decimal.NewFromFloat(s.rng.Float64()*2 - 1)
		return clamp(instrument.RoundPrice(cur.Add(step.Mul(u))), r.MinPrice, r.MaxPrice)
	}
}

// blend averages the winner's target with the targets of the other active
// rules that do not opt out, weighted by priority, and keeps the result in
// the winner's band.
func blend(winner Rule, active []Rule, targets map[string]decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	weight := decimal.Zero
	for _, r := range active {
		if r.ID != winner.ID && r.ConflictResolution == model.ResolveIgnore {
			continue
		}
		w := decimal.NewFromInt(int64(r.Priority))
		sum = sum.Add(targets[r.ID].Mul(w))
		weight = weight.Add(w)
	}
	return clamp(sum.Div(weight), winner.MinPrice, winner.MaxPrice)
}

func auditLog(r Rule, original, adjusted, threshold decimal.Decimal, now time.Time) *model.InterventionLog {
	dev := decimal.Zero
	if original.IsPositive() {
		dev = adjusted.Sub(original).Abs().DivRound(original, 8)
	}
	return &model.InterventionLog{
		RuleID:        r.ID,
		Pair:          r.Pair,
		OriginalPrice: original,
		AdjustedPrice: adjusted,
		Deviation:     dev,
		HighSeverity:  threshold.IsPositive() && dev.GreaterThan(threshold),
		CreatedAt:     now,
	}
}

func clamp(p, min, max decimal.Decimal) decimal.Decimal {
	if p.LessThan(min) {
		return min
	}
	if p.GreaterThan(max) {
		return max
	}
	return p
}

func inBand(p decimal.Decimal, r Rule) bool {
	return !p.LessThan(r.MinPrice) && !p.GreaterThan(r.MaxPrice)
}

func easeInOutCubic(x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	if x < 0.5 {
		return 4 * x * x * x
	}
	y := -2*x + 2
	return 1 - y*y*y/2
}
