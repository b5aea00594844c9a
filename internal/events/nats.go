package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes events to core NATS on
// {prefix}.events.{type}[.{SYMBOL}]. Publish only enqueues; Run drains the
// queue so a slow or disconnected server never stalls a tick or a trade.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	queue  chan Event
}

// Connect dials url and returns a publisher using it.
func Connect(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("sim-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSPublisher(nc, prefix), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "sim"
	}
	return &NATSPublisher{
		nc:     nc,
		prefix: prefix,
		queue:  make(chan Event, 1024),
	}
}

// Publish enqueues evt. Events are dropped when the queue is full.
func (p *NATSPublisher) Publish(_ context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case p.queue <- evt:
	default:
		slog.Warn("event queue full, dropping event", "type", evt.Type)
	}
}

// Run sends queued events until ctx is cancelled, then flushes the
// connection.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if err := p.nc.FlushTimeout(2 * time.Second); err != nil {
				slog.Warn("nats flush on shutdown failed", "err", err)
			}
			return nil
		case evt := <-p.queue:
			if err := p.send(evt); err != nil {
				// Non-fatal: events are notifications, not records.
				slog.Warn("event publish failed", "type", evt.Type, "err", err)
			}
		}
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

func (p *NATSPublisher) send(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(Subject(p.prefix, evt), data)
}

// Subject builds the NATS subject for evt.
func Subject(prefix string, evt Event) string {
	subject := fmt.Sprintf("%s.events.%s", prefix, evt.Type)
	if evt.Pair != "" {
		subject = subject + "." + strings.NewReplacer("/", "", "-", "", ".", "").Replace(evt.Pair)
	}
	return subject
}
