// Package refprice fetches external reference prices used to seed and
// anchor the simulated series. A failed fetch keeps the last known value;
// callers never block on the exchange.
package refprice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/metrics"
)

// ErrNoPrice is returned when a source has no price for a pair.
var ErrNoPrice = errors.New("refprice: no price for pair")

// Source returns the current reference price for a pair.
type Source interface {
	Price(ctx context.Context, pair instrument.Pair) (decimal.Decimal, error)
}

// BinanceSource reads last-trade prices from the Binance spot REST API.
type BinanceSource struct {
	client  *binance.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// NewBinanceSource creates a source. Requests are spaced at least
// requestInterval apart to stay inside the exchange's weight budget.
func NewBinanceSource(apiKey, apiSecret string, requestInterval, timeout time.Duration) *BinanceSource {
	if requestInterval <= 0 {
		requestInterval = 250 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BinanceSource{
		client:  binance.NewClient(apiKey, apiSecret),
		limiter: rate.NewLimiter(rate.Every(requestInterval), 1),
		timeout: timeout,
	}
}

func (s *BinanceSource) Price(ctx context.Context, pair instrument.Pair) (decimal.Decimal, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prices, err := s.client.NewListPricesService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch %s price: %w", pair.Symbol(), err)
	}
	for _, p := range prices {
		if p.Symbol == pair.Symbol() {
			price, err := decimal.NewFromString(p.Price)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse %s price %q: %w", p.Symbol, p.Price, err)
			}
			return price, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, pair)
}

// Static is a fixed price table. Used for tests and offline runs.
type Static map[string]decimal.Decimal

func (s Static) Price(_ context.Context, pair instrument.Pair) (decimal.Decimal, error) {
	p, ok := s[pair.String()]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, pair)
	}
	return p, nil
}

// Quote is a cached reference price.
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Feed caches reference prices for a fixed set of pairs.
type Feed struct {
	src   Source
	pairs []instrument.Pair
	now   func() time.Time

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewFeed creates a feed over pairs. A nil source yields a feed that never
// has prices.
func NewFeed(src Source, pairs []instrument.Pair, now func() time.Time) *Feed {
	if now == nil {
		now = time.Now
	}
	return &Feed{
		src:    src,
		pairs:  pairs,
		now:    now,
		quotes: make(map[string]Quote),
	}
}

// Refresh fetches every pair once. Pairs that fail keep their previous
// quote; the returned error joins the individual failures.
func (f *Feed) Refresh(ctx context.Context) error {
	if f.src == nil {
		return nil
	}

	var errs []error
	for _, pair := range f.pairs {
		price, err := f.src.Price(ctx, pair)
		if err != nil || !price.IsPositive() {
			metrics.ReferenceFetches.WithLabelValues("error").Inc()
			if err == nil {
				err = fmt.Errorf("%w: %s non-positive", ErrNoPrice, pair)
			}
			errs = append(errs, err)
			continue
		}
		metrics.ReferenceFetches.WithLabelValues("ok").Inc()

		f.mu.Lock()
		f.quotes[pair.String()] = Quote{Price: price, FetchedAt: f.now()}
		f.mu.Unlock()
	}

	if len(errs) > 0 {
		slog.Debug("reference refresh incomplete", "failed", len(errs), "pairs", len(f.pairs))
	}
	return errors.Join(errs...)
}

// Latest returns the cached quote for pair.
func (f *Feed) Latest(pair string) (Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[pair]
	return q, ok
}
