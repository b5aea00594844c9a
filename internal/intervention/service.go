package intervention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

// Service manages intervention rules. Every mutation persists the rule
// and then swaps in a new RuleSet version, so a tick sees either the old
// or the new rules, never a mix.
type Service struct {
	store    store.InterventionStore
	settings Settings
	pub      events.Publisher
	clk      clock.Clock

	mu      sync.Mutex // serializes mutations
	version uint64
	current atomic.Pointer[RuleSet]
}

// NewService creates a service with an empty rule set. Call Load to pick
// up persisted rules.
func NewService(st store.InterventionStore, settings Settings, pub events.Publisher, clk clock.Clock) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Service{store: st, settings: settings, pub: pub, clk: clk}
	empty, _ := NewRuleSet(0, nil, settings)
	s.current.Store(empty)
	return s
}

// Current returns the rule set in force.
func (s *Service) Current() *RuleSet {
	return s.current.Load()
}

// Load rebuilds the rule set from the store.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuild(ctx)
}

// rebuild publishes a new version. Caller holds s.mu.
func (s *Service) rebuild(ctx context.Context) error {
	rules, err := s.store.ListInterventions(ctx)
	if err != nil {
		return fmt.Errorf("list interventions: %w", err)
	}
	s.version++
	set, skipped := NewRuleSet(s.version, rules, s.settings)
	for _, err := range skipped {
		slog.Warn("skipping invalid intervention", "err", err)
	}
	s.current.Store(set)
	return nil
}

// normalize canonicalizes the pair and fills defaults before validation.
func normalize(r *model.Intervention) {
	if p, err := instrument.Normalize(r.Pair); err == nil {
		r.Pair = p
	}
	if r.ConflictResolution == "" {
		r.ConflictResolution = model.ResolveOverride
	}
}

// Add validates and stores a new rule.
func (s *Service) Add(ctx context.Context, r model.Intervention) (*model.Intervention, error) {
	normalize(&r)
	if err := Validate(&r); err != nil {
		return nil, err
	}

	now := s.clk.Now()
	r.ID = uuid.New().String()
	r.CreatedAt = now
	r.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveIntervention(ctx, &r); err != nil {
		return nil, fmt.Errorf("save intervention: %w", err)
	}
	if err := s.rebuild(ctx); err != nil {
		return nil, err
	}

	slog.Info("intervention added", "rule", r.ID, "pair", r.Pair,
		"min", r.MinPrice.String(), "max", r.MaxPrice.String(), "trend", r.Trend)
	s.changed(ctx, &r, "added")
	return &r, nil
}

// Update replaces the editable fields of rule id.
func (s *Service) Update(ctx context.Context, id string, r model.Intervention) (*model.Intervention, error) {
	normalize(&r)
	if err := Validate(&r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetIntervention(ctx, id)
	if err != nil {
		return nil, err
	}
	r.ID = existing.ID
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.clk.Now()

	if err := s.store.SaveIntervention(ctx, &r); err != nil {
		return nil, fmt.Errorf("save intervention: %w", err)
	}
	if err := s.rebuild(ctx); err != nil {
		return nil, err
	}

	slog.Info("intervention updated", "rule", r.ID, "pair", r.Pair)
	s.changed(ctx, &r, "updated")
	return &r, nil
}

// Activate turns rule id on.
func (s *Service) Activate(ctx context.Context, id string) (*model.Intervention, error) {
	return s.setActive(ctx, id, true)
}

// Deactivate turns rule id off. The price series continues from the last
// intervened price.
func (s *Service) Deactivate(ctx context.Context, id string) (*model.Intervention, error) {
	return s.setActive(ctx, id, false)
}

func (s *Service) setActive(ctx context.Context, id string, active bool) (*model.Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.store.GetIntervention(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.IsActive == active {
		return r, nil
	}
	r.IsActive = active
	r.UpdatedAt = s.clk.Now()

	if err := s.store.SaveIntervention(ctx, r); err != nil {
		return nil, fmt.Errorf("save intervention: %w", err)
	}
	if err := s.rebuild(ctx); err != nil {
		return nil, err
	}

	action := "deactivated"
	if active {
		action = "activated"
	}
	slog.Info("intervention "+action, "rule", r.ID, "pair", r.Pair)
	s.changed(ctx, r, action)
	return r, nil
}

// Delete removes rule id. Its audit log is kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.store.GetIntervention(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteIntervention(ctx, id); err != nil {
		return err
	}
	if err := s.rebuild(ctx); err != nil {
		return err
	}

	slog.Info("intervention deleted", "rule", id, "pair", r.Pair)
	s.changed(ctx, r, "deleted")
	return nil
}

// List returns every stored rule.
func (s *Service) List(ctx context.Context) ([]model.Intervention, error) {
	return s.store.ListInterventions(ctx)
}

// Get returns rule id.
func (s *Service) Get(ctx context.Context, id string) (*model.Intervention, error) {
	return s.store.GetIntervention(ctx, id)
}

// Logs returns the newest audit records of rule id.
func (s *Service) Logs(ctx context.Context, id string, limit int) ([]model.InterventionLog, error) {
	return s.store.ListInterventionLogs(ctx, id, limit)
}

// Record persists an applied override. High-severity deviations are
// flagged, never blocked.
func (s *Service) Record(ctx context.Context, entry *model.InterventionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	metrics.InterventionsApplied.WithLabelValues(entry.Pair, entry.RuleID).Inc()

	if entry.HighSeverity {
		metrics.InterventionHighDeviation.WithLabelValues(entry.Pair).Inc()
		slog.Warn("intervention deviation above threshold",
			"rule", entry.RuleID,
			"pair", entry.Pair,
			"original", entry.OriginalPrice.String(),
			"adjusted", entry.AdjustedPrice.String(),
			"deviation", entry.Deviation.String(),
		)
		s.pub.Publish(ctx, events.Event{
			Type:      events.TypeInterventionDeviation,
			Pair:      entry.Pair,
			Payload:   entry,
			Timestamp: entry.CreatedAt,
		})
	}

	if err := s.store.InsertInterventionLog(ctx, entry); err != nil {
		return fmt.Errorf("insert intervention log: %w", err)
	}
	return nil
}

func (s *Service) changed(ctx context.Context, r *model.Intervention, action string) {
	s.pub.Publish(ctx, events.Event{
		Type: events.TypeInterventionChanged,
		Pair: r.Pair,
		Payload: map[string]interface{}{
			"action":  action,
			"rule":    r,
			"version": s.version,
		},
		Timestamp: s.clk.Now(),
	})
}
