package swap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 5, 6, 12, 0, 0, 0, time.UTC)

// flakyLedger fails the Nth Adjust call (1-based) when armed and runs
// after, if set, once each successful call returns.
type flakyLedger struct {
	*ledger.Ledger
	mu     sync.Mutex
	calls  int
	failAt int
	after  func(call int)
}

var errInjected = errors.New("injected failure")

func (f *flakyLedger) Adjust(ctx context.Context, req ledger.AdjustRequest) (*model.Balance, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := f.failAt > 0 && call == f.failAt
	after := f.after
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	b, err := f.Ledger.Adjust(ctx, req)
	if err == nil && after != nil {
		after(call)
	}
	return b, err
}

func (f *flakyLedger) failNth(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = 0
	f.failAt = n
}

func (f *flakyLedger) onAdjust(fn func(call int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = 0
	f.after = fn
}

type env struct {
	svc    *Service
	ledger *flakyLedger
	store  *store.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewFake(t0)
	l := &flakyLedger{Ledger: ledger.New(st, nil, clk)}
	_, err := l.Ledger.Adjust(context.Background(), ledger.AdjustRequest{UserID: "seller", Asset: "BTC", Delta: d(2)})
	require.NoError(t, err)
	return &env{svc: NewService(st, l, nil, clk), ledger: l, store: st}
}

func (e *env) bal(t *testing.T, user, asset string) model.Balance {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), user, asset)
	require.NoError(t, err)
	return b
}

// btcTotal is the from-asset held across both parties.
func (e *env) btcTotal(t *testing.T) decimal.Decimal {
	return e.bal(t, "seller", "BTC").Total().Add(e.bal(t, "taker", "BTC").Total())
}

func (e *env) open(t *testing.T) *model.SwapOrder {
	t.Helper()
	o, err := e.svc.CreateOrder(context.Background(), CreateRequest{
		SellerID: "seller", FromAsset: "btc", FromAmount: d(1), ToAsset: "usdt", ToAmount: d(60000),
	})
	require.NoError(t, err)
	return o
}

func (e *env) pendingConfirmation(t *testing.T) *model.SwapOrder {
	t.Helper()
	ctx := context.Background()
	o := e.open(t)
	_, err := e.svc.AcceptOrder(ctx, o.ID, "taker")
	require.NoError(t, err)
	o, err = e.svc.UploadProof(ctx, o.ID, "taker", "https://proofs.example/1.png")
	require.NoError(t, err)
	require.Equal(t, model.SwapPendingConfirmation, o.Status)
	return o
}

func TestCreateOrder_FreezesFromAsset(t *testing.T) {
	e := newEnv(t)
	o := e.open(t)

	assert.Equal(t, model.SwapOpen, o.Status)
	assert.Equal(t, "BTC", o.FromAsset)
	b := e.bal(t, "seller", "BTC")
	assert.True(t, b.Available.Equal(d(1)))
	assert.True(t, b.Frozen.Equal(d(1)))

	_, err := e.svc.CreateOrder(context.Background(), CreateRequest{
		SellerID: "seller", FromAsset: "BTC", FromAmount: d(5), ToAsset: "USDT", ToAmount: d(1),
	})
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))

	_, err = e.svc.CreateOrder(context.Background(), CreateRequest{
		SellerID: "seller", FromAsset: "BTC", FromAmount: d(0.1), ToAsset: "BTC", ToAmount: d(1),
	})
	assert.True(t, errors.Is(err, ErrInvalidOrder))
}

func TestHappyPath_ConservesFromAsset(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	before := e.btcTotal(t)

	o := e.pendingConfirmation(t)
	done, err := e.svc.ConfirmCompletion(ctx, o.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, model.SwapCompleted, done.Status)
	assert.Equal(t, "https://proofs.example/1.png", done.ProofURL)

	assert.True(t, e.btcTotal(t).Equal(before))
	assert.True(t, e.bal(t, "seller", "BTC").Frozen.IsZero())
	assert.True(t, e.bal(t, "taker", "BTC").Available.Equal(d(1)))
	assert.True(t, e.bal(t, "seller", "USDT").Available.Equal(d(60000)))

	_, err = e.svc.ConfirmCompletion(ctx, o.ID, "seller")
	assert.True(t, errors.Is(err, ErrStaleTransition), "second confirmation must be rejected")
	assert.True(t, e.bal(t, "taker", "BTC").Available.Equal(d(1)))
}

func TestAcceptOrder_OnlyOneTakerWins(t *testing.T) {
	e := newEnv(t)
	o := e.open(t)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		won   int
		stale int
	)
	takers := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	for _, taker := range takers {
		wg.Add(1)
		go func(taker string) {
			defer wg.Done()
			_, err := e.svc.AcceptOrder(context.Background(), o.ID, taker)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
			} else if errors.Is(err, ErrStaleTransition) {
				stale++
			}
		}(taker)
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, len(takers)-1, stale)
}

func TestAcceptOrder_SellerCannotTakeOwnOrder(t *testing.T) {
	e := newEnv(t)
	o := e.open(t)
	_, err := e.svc.AcceptOrder(context.Background(), o.ID, "seller")
	assert.True(t, errors.Is(err, ErrSelfTake))
}

func TestParticipantChecks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.open(t)
	_, err := e.svc.AcceptOrder(ctx, o.ID, "taker")
	require.NoError(t, err)

	_, err = e.svc.UploadProof(ctx, o.ID, "stranger", "x")
	assert.True(t, errors.Is(err, ErrNotParticipant))

	_, err = e.svc.UploadProof(ctx, o.ID, "taker", "x")
	require.NoError(t, err)

	_, err = e.svc.ConfirmCompletion(ctx, o.ID, "taker")
	assert.True(t, errors.Is(err, ErrNotParticipant))

	_, err = e.svc.ReportDispute(ctx, o.ID, "stranger")
	assert.True(t, errors.Is(err, ErrNotParticipant))

	got, err := e.svc.ReportDispute(ctx, o.ID, "taker")
	require.NoError(t, err)
	assert.Equal(t, model.SwapDisputed, got.Status)

	// Disputed orders keep the escrow frozen.
	assert.True(t, e.bal(t, "seller", "BTC").Frozen.Equal(d(1)))
}

func TestConfirmCompletion_CompensatesOnFailure(t *testing.T) {
	for step := 1; step <= 3; step++ {
		e := newEnv(t)
		ctx := context.Background()
		o := e.pendingConfirmation(t)
		before := e.btcTotal(t)
		sellerBefore := e.bal(t, "seller", "BTC")

		e.ledger.failNth(step)
		_, err := e.svc.ConfirmCompletion(ctx, o.ID, "seller")
		require.Error(t, err, "step %d", step)
		e.ledger.failNth(0)

		got, err := e.svc.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SwapPendingConfirmation, got.Status, "step %d", step)

		assert.True(t, e.btcTotal(t).Equal(before), "step %d: BTC not conserved", step)
		seller := e.bal(t, "seller", "BTC")
		assert.True(t, seller.Frozen.Equal(sellerBefore.Frozen), "step %d: escrow restored", step)
		assert.True(t, e.bal(t, "taker", "BTC").Available.IsZero(), "step %d", step)
		assert.True(t, e.bal(t, "seller", "USDT").Available.IsZero(), "step %d", step)

		// A later retry succeeds.
		done, err := e.svc.ConfirmCompletion(ctx, o.ID, "seller")
		require.NoError(t, err)
		assert.Equal(t, model.SwapCompleted, done.Status)
		assert.True(t, e.btcTotal(t).Equal(before))
	}
}

func TestConfirmCompletion_DisputeDuringTransfersLoses(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.pendingConfirmation(t)
	before := e.btcTotal(t)

	var disputeErr, spendErr error
	e.ledger.onAdjust(func(call int) {
		if call != 2 {
			return
		}
		e.ledger.onAdjust(nil)
		// The taker has just been credited: dispute and spend it at once.
		_, disputeErr = e.svc.ReportDispute(ctx, o.ID, "taker")
		_, spendErr = e.ledger.Ledger.Adjust(ctx, ledger.AdjustRequest{UserID: "taker", Asset: "BTC", Delta: d(-1)})
	})

	done, err := e.svc.ConfirmCompletion(ctx, o.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, model.SwapCompleted, done.Status)
	assert.True(t, errors.Is(disputeErr, ErrStaleTransition), "dispute must lose to the claimed confirmation, got %v", disputeErr)
	require.NoError(t, spendErr)

	got, err := e.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SwapCompleted, got.Status)

	spent := d(1)
	assert.True(t, e.btcTotal(t).Add(spent).Equal(before), "BTC created or destroyed: %s + %s != %s",
		e.btcTotal(t), spent, before)
	assert.True(t, e.bal(t, "seller", "BTC").Frozen.IsZero())
	assert.True(t, e.bal(t, "seller", "USDT").Available.Equal(d(60000)))
}

func TestConfirmCompletion_FailedRollbackKeepsFundsConserved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.pendingConfirmation(t)
	before := e.btcTotal(t)

	// Step 3 fails after the taker has already spent the credited BTC, so
	// the taker credit cannot be reversed.
	e.ledger.failNth(3)
	e.ledger.onAdjust(func(call int) {
		if call == 2 {
			_, err := e.ledger.Ledger.Adjust(ctx, ledger.AdjustRequest{UserID: "taker", Asset: "BTC", Delta: d(-1)})
			require.NoError(t, err)
		}
	})

	_, err := e.svc.ConfirmCompletion(ctx, o.ID, "seller")
	require.Error(t, err)
	e.ledger.onAdjust(nil)
	e.ledger.failNth(0)

	got, err := e.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SwapCompleting, got.Status, "unfinished rollback must not reopen the order")

	spent := d(1)
	assert.True(t, e.btcTotal(t).Add(spent).Equal(before), "BTC created or destroyed: %s + %s != %s",
		e.btcTotal(t), spent, before)
	assert.True(t, e.bal(t, "seller", "BTC").Frozen.IsZero(), "escrow must not be restored")

	_, err = e.svc.ReportDispute(ctx, o.ID, "seller")
	assert.True(t, errors.Is(err, ErrStaleTransition))
	_, err = e.svc.ConfirmCompletion(ctx, o.ID, "seller")
	assert.True(t, errors.Is(err, ErrStaleTransition))
}

func TestConfirmCompletion_ConcurrentConfirmsPayOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.pendingConfirmation(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.ConfirmCompletion(ctx, o.ID, "seller"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, e.bal(t, "taker", "BTC").Available.Equal(d(1)))
	assert.True(t, e.bal(t, "seller", "USDT").Available.Equal(d(60000)))
}

func TestCancelRelistWithdraw(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.open(t)

	_, err := e.svc.CancelOrder(ctx, o.ID, "taker")
	assert.True(t, errors.Is(err, ErrNotParticipant))

	got, err := e.svc.CancelOrder(ctx, o.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, model.SwapCancelled, got.Status)
	assert.True(t, e.bal(t, "seller", "BTC").Frozen.Equal(d(1)), "cancel keeps funds frozen")

	_, err = e.svc.AcceptOrder(ctx, o.ID, "taker")
	assert.True(t, errors.Is(err, ErrStaleTransition), "cancelled orders cannot be taken")

	got, err = e.svc.RelistOrder(ctx, o.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, model.SwapOpen, got.Status)

	_, err = e.svc.WithdrawOrder(ctx, o.ID, "seller")
	assert.True(t, errors.Is(err, ErrStaleTransition), "only cancelled orders can be withdrawn")

	_, err = e.svc.CancelOrder(ctx, o.ID, "seller")
	require.NoError(t, err)
	got, err = e.svc.WithdrawOrder(ctx, o.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, model.SwapWithdrawn, got.Status)

	b := e.bal(t, "seller", "BTC")
	assert.True(t, b.Available.Equal(d(2)))
	assert.True(t, b.Frozen.IsZero())

	_, err = e.svc.RelistOrder(ctx, o.ID, "seller")
	assert.True(t, errors.Is(err, ErrStaleTransition), "withdrawn is terminal")

	list, err := e.svc.List(ctx, model.SwapWithdrawn)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
