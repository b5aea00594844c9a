// Package events is the fire-and-forget notification sink. Engine
// components publish domain events here; delivery failures are logged and
// never reach the caller.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TypeTradePlaced           = "trade.placed"
	TypePositionSettled       = "position.settled"
	TypeCommissionPaid        = "commission.paid"
	TypeSwapTransition        = "swap.transition"
	TypeInterventionChanged   = "intervention.changed"
	TypeInterventionDeviation = "intervention.high_deviation"
	TypeBalanceAdjusted       = "balance.adjusted"
)

// Event is one notification. Pair and UserID are optional routing keys.
type Event struct {
	Type      string      `json:"type"`
	Pair      string      `json:"pair,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher accepts events without blocking the caller on delivery.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Log writes every event to slog at debug level.
type Log struct{}

func (Log) Publish(_ context.Context, evt Event) {
	slog.Debug("event", "type", evt.Type, "pair", evt.Pair, "user", evt.UserID)
}

// Fanout publishes each event to every wrapped publisher.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) {
	for _, p := range f {
		p.Publish(ctx, evt)
	}
}

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
