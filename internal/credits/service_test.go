package credits

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashgate-io/hashgate/internal/cache"
	"github.com/hashgate-io/hashgate/internal/chain"
	"github.com/hashgate-io/hashgate/internal/pricing"
	"github.com/hashgate-io/hashgate/internal/store/storetest"
	"github.com/hashgate-io/hashgate/pkg/models"
)

const (
	testPayer    = "0.0.1001"
	testTreasury = "0.0.800"
	testRate     = 0.10 // USD per HBAR
)

type fakeChain struct {
	mu      sync.Mutex
	txs     map[string]*chain.TransactionInfo
	rate    float64
	rateErr error
	txErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{txs: make(map[string]*chain.TransactionInfo), rate: testRate}
}

func (f *fakeChain) AccountPublicKey(context.Context, string) (string, error) {
	return "", chain.ErrAccountNotFound
}

func (f *fakeChain) Transaction(_ context.Context, id string) (*chain.TransactionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txErr != nil {
		return nil, f.txErr
	}
	info, ok := f.txs[id]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	return info, nil
}

func (f *fakeChain) HbarUSDRate(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rateErr != nil {
		return 0, f.rateErr
	}
	return f.rate, nil
}

// settle makes the transaction visible on the fake chain as a successful
// transfer of hbar to the treasury.
func (f *fakeChain) settle(id string, hbar float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[id] = &chain.TransactionInfo{
		TransactionID: id,
		Result:        "SUCCESS",
		PayerAccount:  testPayer,
		Transfers: []chain.Transfer{
			{Account: testPayer, Tinybars: -int64(hbar * 1e8)},
			{Account: testTreasury, Tinybars: int64(hbar * 1e8)},
		},
		ConsensusAt: time.Now().UTC(),
	}
}

func testService(t *testing.T) (*Service, *storetest.Fake, *fakeChain) {
	t.Helper()
	fake := storetest.New()
	ch := newFakeChain()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := NewService(fake, cache.NewRedisCacheFromClient(client), ch,
		pricing.NewEngine(pricing.Default()),
		Config{
			TreasuryAccount:     testTreasury,
			MinPaymentHbar:      1,
			FallbackHbarUSDRate: 0.05,
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, fake, ch
}

// purchase runs the full create-settle-verify cycle to fund an account and
// returns the credited amount and the transaction id.
func purchase(t *testing.T, svc *Service, ch *fakeChain, hbar float64) (int64, string) {
	t.Helper()
	intent, err := svc.CreatePaymentTransaction(context.Background(), testPayer, hbar, "top up")
	require.NoError(t, err)
	ch.settle(intent.TransactionID, hbar)
	ok, err := svc.VerifyAndProcessPayment(context.Background(), intent.TransactionID)
	require.NoError(t, err)
	require.True(t, ok)
	return intent.ExpectedCredits, intent.TransactionID
}

func TestCreatePaymentRejectsBelowMinimum(t *testing.T) {
	svc, _, _ := testService(t)
	_, err := svc.CreatePaymentTransaction(context.Background(), testPayer, 0.5, "")
	assert.ErrorIs(t, err, ErrBelowMinimum)
}

func TestCreatePaymentRecordsPendingRow(t *testing.T) {
	svc, fake, _ := testService(t)

	intent, err := svc.CreatePaymentTransaction(context.Background(), testPayer, 10, "top up")
	require.NoError(t, err)
	assert.NotEmpty(t, intent.TxBytes)
	assert.NotEmpty(t, intent.TransactionID)

	// 10 HBAR at 0.10 USD/HBAR is 1 USD, all inside the starter tier.
	assert.Equal(t, int64(100), intent.ExpectedCredits)

	p, err := fake.GetPayment(context.Background(), intent.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, p.Status)
	assert.Equal(t, testPayer, p.PayerAccountID)
	assert.Equal(t, int64(100), p.CreditsAllocated)
}

func TestVerifyCreditsExactlyOnce(t *testing.T) {
	svc, _, ch := testService(t)

	credits, txID := purchase(t, svc, ch, 10)
	balance, err := svc.GetCreditBalance(context.Background(), testPayer)
	require.NoError(t, err)
	assert.Equal(t, credits, balance.Balance)
	assert.Equal(t, credits, balance.TotalPurchased)

	history, err := svc.GetCreditHistory(context.Background(), testPayer, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TxTypePurchase, history[0].Type)
	assert.Equal(t, credits, history[0].Amount)

	// Re-verifying a completed payment is a no-op, not an error.
	ok, err := svc.VerifyAndProcessPayment(context.Background(), txID)
	require.NoError(t, err)
	assert.False(t, ok)

	balance, err = svc.GetCreditBalance(context.Background(), testPayer)
	require.NoError(t, err)
	assert.Equal(t, credits, balance.Balance)
}

func TestVerifyNotYetVisible(t *testing.T) {
	svc, fake, _ := testService(t)

	intent, err := svc.CreatePaymentTransaction(context.Background(), testPayer, 10, "")
	require.NoError(t, err)

	// Mirror node has not seen the transaction: poll again later.
	ok, err := svc.VerifyAndProcessPayment(context.Background(), intent.TransactionID)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := fake.GetPayment(context.Background(), intent.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, p.Status)
}

func TestVerifyUnknownTransactionID(t *testing.T) {
	svc, _, _ := testService(t)
	ok, err := svc.VerifyAndProcessPayment(context.Background(), "0.0.1001-1700000000-123456789")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAmountMismatchFailsPayment(t *testing.T) {
	svc, fake, ch := testService(t)

	intent, err := svc.CreatePaymentTransaction(context.Background(), testPayer, 10, "")
	require.NoError(t, err)
	ch.settle(intent.TransactionID, 4) // short paid

	ok, err := svc.VerifyAndProcessPayment(context.Background(), intent.TransactionID)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := fake.GetPayment(context.Background(), intent.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, p.Status)

	// Failed is terminal: even paying the difference later never credits.
	ch.settle(intent.TransactionID, 10)
	ok, err = svc.VerifyAndProcessPayment(context.Background(), intent.TransactionID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyChainOutagePropagates(t *testing.T) {
	svc, _, ch := testService(t)

	intent, err := svc.CreatePaymentTransaction(context.Background(), testPayer, 10, "")
	require.NoError(t, err)
	ch.txErr = chain.ErrUnreachable

	_, err = svc.VerifyAndProcessPayment(context.Background(), intent.TransactionID)
	assert.ErrorIs(t, err, chain.ErrUnreachable)
}

func TestExchangeRateFallback(t *testing.T) {
	svc, _, ch := testService(t)
	ch.rateErr = chain.ErrUnreachable

	// 10 HBAR at the 0.05 fallback rate is 0.50 USD -> 50 credits.
	intent, err := svc.CreatePaymentTransaction(context.Background(), testPayer, 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(50), intent.ExpectedCredits)
}

func TestCheckSufficientCredits(t *testing.T) {
	svc, _, ch := testService(t)
	purchase(t, svc, ch, 10) // 100 credits

	cc := pricing.CostContext{Now: offPeak(t)}

	check, err := svc.CheckSufficientCredits(context.Background(), testPayer, "transfer_hbar", cc)
	require.NoError(t, err)
	assert.True(t, check.Sufficient)
	assert.Equal(t, int64(5), check.RequiredCredits)
	assert.Equal(t, int64(100), check.Balance)
	assert.Zero(t, check.Shortfall)
}

func TestCheckInsufficientCreditsReportsShortfall(t *testing.T) {
	svc, _, _ := testService(t)

	// Account with no balance row: transfer_hbar costs 5 off peak.
	check, err := svc.CheckSufficientCredits(context.Background(), "0.0.2002", "transfer_hbar", pricing.CostContext{Now: offPeak(t)})
	require.NoError(t, err)
	assert.False(t, check.Sufficient)
	assert.Equal(t, int64(5), check.RequiredCredits)
	assert.Zero(t, check.Balance)
	assert.Equal(t, int64(5), check.Shortfall)
}

func TestCheckUnknownOperationIsFree(t *testing.T) {
	svc, _, _ := testService(t)

	// Account with no balance row at all.
	check, err := svc.CheckSufficientCredits(context.Background(), "0.0.9999", "not_a_real_tool", pricing.CostContext{Now: offPeak(t)})
	require.NoError(t, err)
	assert.True(t, check.Sufficient)
	assert.Zero(t, check.RequiredCredits)
}

func TestConsumeCredits(t *testing.T) {
	svc, _, ch := testService(t)
	purchase(t, svc, ch, 10) // 100 credits
	cc := pricing.CostContext{Now: offPeak(t)}

	ok, err := svc.ConsumeCredits(context.Background(), testPayer, "transfer_hbar", "transfer", cc)
	require.NoError(t, err)
	assert.True(t, ok)

	balance, err := svc.GetCreditBalance(context.Background(), testPayer)
	require.NoError(t, err)
	assert.Equal(t, int64(95), balance.Balance)
	assert.Equal(t, int64(5), balance.TotalConsumed)

	history, err := svc.GetCreditHistory(context.Background(), testPayer, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TxTypeConsumption, history[0].Type)
	assert.Equal(t, int64(-5), history[0].Amount)
	assert.Equal(t, "transfer_hbar", history[0].RelatedOperation)
}

func TestConsumeFreeOperationSkipsLedger(t *testing.T) {
	svc, _, _ := testService(t)

	ok, err := svc.ConsumeCredits(context.Background(), "0.0.9999", "health_check", "ping", pricing.CostContext{Now: offPeak(t)})
	require.NoError(t, err)
	assert.True(t, ok)

	history, err := svc.GetCreditHistory(context.Background(), "0.0.9999", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestConsumeInsufficientBalance(t *testing.T) {
	svc, _, _ := testService(t)

	ok, err := svc.ConsumeCredits(context.Background(), "0.0.9999", "transfer_hbar", "transfer", pricing.CostContext{Now: offPeak(t)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	svc, _, ch := testService(t)
	credits, _ := purchase(t, svc, ch, 10) // 100 credits
	cc := pricing.CostContext{Now: offPeak(t)}

	// transfer_hbar costs 5 off peak: exactly 20 debits fit.
	const workers = 40
	var granted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.ConsumeCredits(context.Background(), testPayer, "transfer_hbar", "transfer", cc)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted += 5
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, credits, granted)
	balance, err := svc.GetCreditBalance(context.Background(), testPayer)
	require.NoError(t, err)
	assert.Zero(t, balance.Balance)
}

func TestConcurrentPurchasesBothLand(t *testing.T) {
	svc, _, ch := testService(t)

	intent1, err := svc.CreatePaymentTransaction(context.Background(), testPayer, 10, "a")
	require.NoError(t, err)
	intent2, err := svc.CreatePaymentTransaction(context.Background(), testPayer, 10, "b")
	require.NoError(t, err)
	ch.settle(intent1.TransactionID, 10)
	ch.settle(intent2.TransactionID, 10)

	var wg sync.WaitGroup
	for _, id := range []string{intent1.TransactionID, intent2.TransactionID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := svc.VerifyAndProcessPayment(context.Background(), id)
			assert.NoError(t, err)
			assert.True(t, ok)
		}(id)
	}
	wg.Wait()

	balance, err := svc.GetCreditBalance(context.Background(), testPayer)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.Balance)
}

// offPeak pins a time outside the peak-hour surcharge window.
func offPeak(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
}
