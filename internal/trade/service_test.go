package trade_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/commission"
	"github.com/atmx/sim-engine/internal/config"
	"github.com/atmx/sim-engine/internal/exposure"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
	"github.com/atmx/sim-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 5, 6, 12, 0, 0, 0, time.UTC)

type prices map[string]decimal.Decimal

func (p prices) LatestPrice(pair string) (decimal.Decimal, bool) {
	v, ok := p[pair]
	return v, ok
}

type testEnv struct {
	svc    *trade.Service
	store  *store.MemoryStore
	ledger *ledger.Ledger
	clk    *clock.Fake
}

// newTestEnv creates a Service with an in-memory store, default products
// and BTC/USDT at 100.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	clk := clock.NewFake(t0)
	l := ledger.New(ms, nil, clk)
	cfg := config.Default()
	dist := commission.NewDistributor(ms, l, nil, clk, "USDT", cfg.Commission.LevelRates)
	limiter := exposure.NewLimiter(d(1000), d(1500))
	svc := trade.NewService(ms, l, prices{"BTC/USDT": d(100), "BTC/USDC": d(100)}, limiter, dist,
		trade.NewCatalog(cfg.Products), nil, clk)
	return &testEnv{svc: svc, store: ms, ledger: l, clk: clk}
}

func (e *testEnv) fund(t *testing.T, user, asset string, amount float64) {
	t.Helper()
	_, err := e.ledger.Adjust(context.Background(), ledger.AdjustRequest{UserID: user, Asset: asset, Delta: d(amount)})
	if err != nil {
		t.Fatalf("fund %s %s: %v", user, asset, err)
	}
}

func (e *testEnv) balance(t *testing.T, user, asset string) model.Balance {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), user, asset)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

// --- Contract tests ---

func TestPlaceContract_FreezesStake(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "u1", "USDT", 500)

	pos, err := e.svc.PlaceContractTrade(context.Background(), trade.ContractRequest{
		UserID: "u1", Pair: "btc/usdt", Side: model.SideBuy, Amount: d(100), ProductID: "60s",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if pos.Pair != "BTC/USDT" || pos.Asset != "USDT" {
		t.Errorf("pair/asset = %s/%s", pos.Pair, pos.Asset)
	}
	if !pos.EntryPrice.Equal(d(100)) {
		t.Errorf("entry price = %s, want 100", pos.EntryPrice)
	}
	if !pos.MaturesAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("matures at %s", pos.MaturesAt)
	}
	if pos.Status != model.PositionActive {
		t.Errorf("status = %s", pos.Status)
	}

	b := e.balance(t, "u1", "USDT")
	if !b.Available.Equal(d(400)) || !b.Frozen.Equal(d(100)) {
		t.Errorf("balance = %s/%s, want 400/100", b.Available, b.Frozen)
	}
}

func TestPlaceContract_Rejections(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "u1", "USDT", 50)
	ctx := context.Background()

	cases := []struct {
		name string
		req  trade.ContractRequest
		want error
	}{
		{"unknown product", trade.ContractRequest{UserID: "u1", Pair: "BTC/USDT", Side: model.SideBuy, Amount: d(20), ProductID: "7s"}, trade.ErrUnknownProduct},
		{"below minimum", trade.ContractRequest{UserID: "u1", Pair: "BTC/USDT", Side: model.SideBuy, Amount: d(5), ProductID: "30s"}, trade.ErrBelowMinimum},
		{"no price", trade.ContractRequest{UserID: "u1", Pair: "ETH/USDT", Side: model.SideBuy, Amount: d(20), ProductID: "30s"}, trade.ErrNoPrice},
		{"bad side", trade.ContractRequest{UserID: "u1", Pair: "BTC/USDT", Side: "hold", Amount: d(20), ProductID: "30s"}, trade.ErrInvalidRequest},
		{"insufficient", trade.ContractRequest{UserID: "u1", Pair: "BTC/USDT", Side: model.SideBuy, Amount: d(60), ProductID: "30s"}, ledger.ErrInsufficientBalance},
	}
	for _, tc := range cases {
		_, err := e.svc.PlaceContractTrade(ctx, tc.req)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	b := e.balance(t, "u1", "USDT")
	if !b.Available.Equal(d(50)) || !b.Frozen.IsZero() {
		t.Errorf("rejected placements must not move funds: %s/%s", b.Available, b.Frozen)
	}
}

func TestPlaceContract_ExposureLimit(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "u1", "USDT", 5000)
	e.fund(t, "u1", "USDC", 5000)
	ctx := context.Background()

	place := func(pair string, amount float64) error {
		_, err := e.svc.PlaceContractTrade(ctx, trade.ContractRequest{
			UserID: "u1", Pair: pair, Side: model.SideBuy, Amount: d(amount), ProductID: "30s",
		})
		return err
	}

	if err := place("BTC/USDT", 900); err != nil {
		t.Fatalf("first placement: %v", err)
	}
	if err := place("BTC/USDT", 200); !errors.Is(err, exposure.ErrPerPairLimitExceeded) {
		t.Errorf("expected per-pair limit, got %v", err)
	}
	if err := place("BTC/USDC", 500); err != nil {
		t.Fatalf("correlated placement within limit: %v", err)
	}
	if err := place("BTC/USDC", 200); !errors.Is(err, exposure.ErrCorrelatedLimitExceeded) {
		t.Errorf("expected correlated limit, got %v", err)
	}
}

func TestPlaceContract_FrozenAccount(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "u1", "USDT", 500)
	if err := e.store.UpsertUser(context.Background(), &model.User{ID: "u1", IsFrozen: true}); err != nil {
		t.Fatal(err)
	}

	_, err := e.svc.PlaceContractTrade(context.Background(), trade.ContractRequest{
		UserID: "u1", Pair: "BTC/USDT", Side: model.SideBuy, Amount: d(100), ProductID: "60s",
	})
	if !errors.Is(err, trade.ErrAccountFrozen) {
		t.Errorf("expected ErrAccountFrozen, got %v", err)
	}
}

func TestPlaceContract_PaysCommission(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.store.UpsertUser(ctx, &model.User{ID: "u1", ReferrerID: "ref"})
	e.store.UpsertUser(ctx, &model.User{ID: "ref"})
	e.fund(t, "u1", "USDT", 500)

	if _, err := e.svc.PlaceContractTrade(ctx, trade.ContractRequest{
		UserID: "u1", Pair: "BTC/USDT", Side: model.SideSell, Amount: d(200), ProductID: "60s",
	}); err != nil {
		t.Fatal(err)
	}

	if got := e.balance(t, "ref", "USDT").Available; !got.Equal(d(10)) {
		t.Errorf("referrer commission = %s, want 10", got)
	}
}

// --- Spot tests ---

func TestPlaceSpot_BuyAndSell(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "u1", "USDT", 1000)
	ctx := context.Background()

	pos, err := e.svc.PlaceSpotTrade(ctx, trade.SpotRequest{UserID: "u1", Pair: "BTC/USDT", Side: model.SideBuy, Amount: d(2.5)})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if pos.Status != model.PositionSettled || pos.Outcome != model.OutcomeFilled {
		t.Errorf("spot trades are recorded settled, got %s/%s", pos.Status, pos.Outcome)
	}
	if got := e.balance(t, "u1", "USDT").Available; !got.Equal(d(750)) {
		t.Errorf("USDT after buy = %s, want 750", got)
	}
	if got := e.balance(t, "u1", "BTC").Available; !got.Equal(d(2.5)) {
		t.Errorf("BTC after buy = %s, want 2.5", got)
	}

	if _, err := e.svc.PlaceSpotTrade(ctx, trade.SpotRequest{UserID: "u1", Pair: "BTC/USDT", Side: model.SideSell, Amount: d(1)}); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if got := e.balance(t, "u1", "USDT").Available; !got.Equal(d(850)) {
		t.Errorf("USDT after sell = %s, want 850", got)
	}

	_, err = e.svc.PlaceSpotTrade(ctx, trade.SpotRequest{UserID: "u1", Pair: "BTC/USDT", Side: model.SideSell, Amount: d(5)})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("overselling: got %v", err)
	}
	if got := e.balance(t, "u1", "BTC").Available; !got.Equal(d(1.5)) {
		t.Errorf("BTC after rejected sell = %s, want 1.5", got)
	}

	due, _ := e.store.ListDuePositions(ctx, t0.Add(time.Hour), 10)
	if len(due) != 0 {
		t.Errorf("spot positions must never be due, got %d", len(due))
	}
}

// --- Investment tests ---

func TestAddInvestments(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "u1", "USDT", 200)
	ctx := context.Background()

	daily, err := e.svc.AddDailyInvestment(ctx, trade.InvestmentRequest{UserID: "u1", ProductID: "flex-10d", Amount: d(50)})
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if daily.Kind != model.KindDailyInvestment || daily.PeriodDays != 10 {
		t.Errorf("daily position = %+v", daily)
	}
	if !daily.MaturesAt.Equal(t0.AddDate(0, 0, 10)) {
		t.Errorf("daily matures at %s", daily.MaturesAt)
	}

	hourly, err := e.svc.AddHourlyInvestment(ctx, trade.InvestmentRequest{UserID: "u1", ProductID: "1h", Amount: d(100)})
	if err != nil {
		t.Fatalf("hourly: %v", err)
	}
	if !hourly.MaturesAt.Equal(t0.Add(time.Hour)) || hourly.Hours != 1 {
		t.Errorf("hourly position = %+v", hourly)
	}

	if got := e.balance(t, "u1", "USDT").Available; !got.Equal(d(50)) {
		t.Errorf("available = %s, want 50", got)
	}

	if _, err := e.svc.AddDailyInvestment(ctx, trade.InvestmentRequest{UserID: "u1", ProductID: "flex-10d", Amount: d(10)}); !errors.Is(err, trade.ErrBelowMinimum) {
		t.Errorf("below minimum: got %v", err)
	}
	if _, err := e.svc.AddHourlyInvestment(ctx, trade.InvestmentRequest{UserID: "u1", ProductID: "nope", Amount: d(100)}); !errors.Is(err, trade.ErrUnknownProduct) {
		t.Errorf("unknown product: got %v", err)
	}
	if _, err := e.svc.AddDailyInvestment(ctx, trade.InvestmentRequest{UserID: "u1", ProductID: "flex-10d", Amount: d(60)}); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("insufficient: got %v", err)
	}
}
