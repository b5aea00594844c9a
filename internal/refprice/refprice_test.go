package refprice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/instrument"
)

type flakySource struct {
	prices map[string]decimal.Decimal
	fail   bool
}

func (s *flakySource) Price(_ context.Context, pair instrument.Pair) (decimal.Decimal, error) {
	if s.fail {
		return decimal.Zero, errors.New("exchange unavailable")
	}
	return s.prices[pair.String()], nil
}

func TestFeed_RefreshCachesPrices(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feed := NewFeed(Static{"BTC/USDT": decimal.NewFromInt(61000)},
		[]instrument.Pair{instrument.MustParsePair("BTC/USDT")},
		func() time.Time { return now })

	_, ok := feed.Latest("BTC/USDT")
	assert.False(t, ok)

	require.NoError(t, feed.Refresh(context.Background()))

	q, ok := feed.Latest("BTC/USDT")
	require.True(t, ok)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(61000)))
	assert.Equal(t, now, q.FetchedAt)
}

func TestFeed_FailureKeepsLastKnown(t *testing.T) {
	src := &flakySource{prices: map[string]decimal.Decimal{"ETH/USDT": decimal.NewFromInt(3000)}}
	feed := NewFeed(src, []instrument.Pair{instrument.MustParsePair("ETH/USDT")}, nil)

	require.NoError(t, feed.Refresh(context.Background()))

	src.fail = true
	assert.Error(t, feed.Refresh(context.Background()))

	q, ok := feed.Latest("ETH/USDT")
	require.True(t, ok)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(3000)))
}

func TestFeed_MissingPairReportsError(t *testing.T) {
	feed := NewFeed(Static{}, []instrument.Pair{instrument.MustParsePair("SOL/USDT")}, nil)

	err := feed.Refresh(context.Background())
	assert.True(t, errors.Is(err, ErrNoPrice))
}

func TestFeed_NilSourceIsNoop(t *testing.T) {
	feed := NewFeed(nil, []instrument.Pair{instrument.MustParsePair("BTC/USDT")}, nil)
	assert.NoError(t, feed.Refresh(context.Background()))
}
