// Package credits owns the credit ledger: balances, the append-only
// transaction history, HBAR payment intake, and metered consumption.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hashgate-io/hashgate/internal/cache"
	"github.com/hashgate-io/hashgate/internal/chain"
	"github.com/hashgate-io/hashgate/internal/pricing"
	"github.com/hashgate-io/hashgate/internal/store"
	"github.com/hashgate-io/hashgate/pkg/models"
)

var (
	// ErrBelowMinimum rejects payment intents under the configured floor.
	ErrBelowMinimum = errors.New("payment amount below minimum")

	ErrInsufficientCredits = errors.New("insufficient credits")
)

const (
	rateCacheTTL = 5 * time.Minute

	// Chain queries during payment verification run under this deadline so
	// a slow mirror node cannot stall the request path. No ledger lock is
	// held while the query is in flight.
	verifyTimeout = 10 * time.Second
)

// Config carries the treasury and payment policy knobs.
type Config struct {
	TreasuryAccount string
	MinPaymentHbar  float64

	// FallbackHbarUSDRate is used when both the cached rate and the mirror
	// node are unavailable. Zero disables the fallback, failing the call.
	FallbackHbarUSDRate float64
}

type Service struct {
	store   store.Store
	cache   cache.Cache
	chain   chain.Client
	pricing *pricing.Engine
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(s store.Store, c cache.Cache, ch chain.Client, p *pricing.Engine, cfg Config, logger *slog.Logger) *Service {
	return &Service{store: s, cache: c, chain: ch, pricing: p, cfg: cfg, logger: logger, now: time.Now}
}

// PaymentIntent is the unsigned transaction handed back to the payer.
type PaymentIntent struct {
	TxBytes         []byte `json:"tx_bytes"`
	TransactionID   string `json:"transaction_id"`
	ExpectedCredits int64  `json:"expected_credits"`
}

// CreatePaymentTransaction builds an unsigned HBAR transfer to the treasury
// and records a pending payment keyed by the prospective transaction id.
// The payer signs and submits the transaction out of band, then calls
// VerifyAndProcessPayment.
func (s *Service) CreatePaymentTransaction(ctx context.Context, payerAccountID string, hbarAmount float64, memo string) (*PaymentIntent, error) {
	if hbarAmount < s.cfg.MinPaymentHbar {
		return nil, fmt.Errorf("%w: %.4f HBAR (minimum %.4f)", ErrBelowMinimum, hbarAmount, s.cfg.MinPaymentHbar)
	}

	rate, err := s.hbarUSDRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve exchange rate: %w", err)
	}
	expected := s.pricing.CreditsForHbar(hbarAmount, rate)

	transfer, err := chain.BuildUnsignedTransfer(payerAccountID, s.cfg.TreasuryAccount, hbarAmount, memo)
	if err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}

	payment := &models.HbarPayment{
		TransactionID:    transfer.TransactionID,
		PayerAccountID:   payerAccountID,
		HbarAmount:       hbarAmount,
		CreditsAllocated: expected,
		Memo:             memo,
		Status:           models.PaymentPending,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("record pending payment: %w", err)
	}

	return &PaymentIntent{
		TxBytes:         transfer.Bytes,
		TransactionID:   transfer.TransactionID,
		ExpectedCredits: expected,
	}, nil
}

// VerifyAndProcessPayment checks the chain for the submitted transaction
// and, on success, credits the payer exactly once. It returns false, not an
// error, when the transaction is not yet visible, already processed, or the
// received amount does not match — callers poll until true.
func (s *Service) VerifyAndProcessPayment(ctx context.Context, transactionID string) (bool, error) {
	transactionID = chain.MirrorTransactionID(transactionID)

	payment, err := s.store.GetPayment(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load payment: %w", err)
	}
	if payment.Status != models.PaymentPending {
		return false, nil
	}

	// The chain query runs before any ledger mutation, under its own
	// deadline, so nothing is locked while we wait on the mirror node.
	chainCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	info, err := s.chain.Transaction(chainCtx, transactionID)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("query transaction: %w", err)
	}

	if !info.Succeeded() {
		s.logger.Warn("payment transaction failed on chain",
			"transaction_id", transactionID, "result", info.Result)
		if err := s.failPayment(ctx, transactionID); err != nil {
			return false, err
		}
		return false, nil
	}

	received := info.HbarTo(s.cfg.TreasuryAccount)
	if !amountMatches(received, payment.HbarAmount) {
		s.logger.Warn("payment amount mismatch",
			"transaction_id", transactionID,
			"expected_hbar", payment.HbarAmount,
			"received_hbar", received)
		if err := s.failPayment(ctx, transactionID); err != nil {
			return false, err
		}
		return false, nil
	}

	tx, err := s.store.CompletePayment(ctx, transactionID, s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			// Lost a race with a concurrent verify; the credit landed once.
			return false, nil
		}
		return false, fmt.Errorf("complete payment: %w", err)
	}

	s.logger.Info("payment processed",
		"transaction_id", transactionID,
		"account_id", payment.PayerAccountID,
		"credits", tx.Amount,
		"balance_after", tx.BalanceAfter)
	return true, nil
}

func (s *Service) failPayment(ctx context.Context, transactionID string) error {
	err := s.store.FailPayment(ctx, transactionID, s.now().UTC())
	if err != nil && !errors.Is(err, store.ErrAlreadyProcessed) {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	return nil
}

// SufficiencyCheck is the read-only answer to "can this account afford the
// operation right now".
type SufficiencyCheck struct {
	Sufficient      bool  `json:"sufficient"`
	RequiredCredits int64 `json:"required_credits"`
	Balance         int64 `json:"balance"`
	Shortfall       int64 `json:"shortfall"`
}

// CheckSufficientCredits prices the operation and compares it to the
// current balance without mutating anything. Unknown operations price at
// zero and are always sufficient.
func (s *Service) CheckSufficientCredits(ctx context.Context, accountID, operation string, cc pricing.CostContext) (*SufficiencyCheck, error) {
	cost := s.operationCost(ctx, accountID, operation, cc)
	check := &SufficiencyCheck{RequiredCredits: cost}
	if cost == 0 {
		check.Sufficient = true
	}

	balance, err := s.store.GetCreditBalance(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			check.Shortfall = cost
			return check, nil
		}
		return nil, fmt.Errorf("load balance: %w", err)
	}
	check.Balance = balance.Balance
	check.Sufficient = balance.Balance >= cost
	if !check.Sufficient {
		check.Shortfall = cost - balance.Balance
	}
	return check, nil
}

// ConsumeCredits re-derives the operation cost and debits it atomically.
// Returns false when the balance cannot cover the cost. Free operations
// succeed without touching the ledger.
func (s *Service) ConsumeCredits(ctx context.Context, accountID, operation, description string, cc pricing.CostContext) (bool, error) {
	cost := s.operationCost(ctx, accountID, operation, cc)
	if cost == 0 {
		return true, nil
	}

	_, err := s.store.DebitCredits(ctx, accountID, cost, description, operation)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return false, nil
		}
		return false, fmt.Errorf("debit credits: %w", err)
	}
	return true, nil
}

// GetCreditBalance returns the account's position, zero-valued if the
// account has never purchased.
func (s *Service) GetCreditBalance(ctx context.Context, accountID string) (*models.CreditBalance, error) {
	balance, err := s.store.GetCreditBalance(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.CreditBalance{AccountID: accountID, UpdatedAt: s.now().UTC()}, nil
	}
	return balance, err
}

// GetPayment returns the payment row for a transaction id in either SDK or
// mirror format.
func (s *Service) GetPayment(ctx context.Context, transactionID string) (*models.HbarPayment, error) {
	return s.store.GetPayment(ctx, chain.MirrorTransactionID(transactionID))
}

// GetCreditHistory returns the most recent ledger rows for the account.
func (s *Service) GetCreditHistory(ctx context.Context, accountID string, limit int) ([]*models.CreditTransaction, error) {
	return s.store.ListCreditTransactions(ctx, accountID, limit)
}

// operationCost fills in the caller's lifetime consumption for loyalty
// pricing before delegating to the pricing engine. A missing balance row
// just means zero consumption.
func (s *Service) operationCost(ctx context.Context, accountID, operation string, cc pricing.CostContext) int64 {
	if cc.UserTotalConsumed == 0 {
		if balance, err := s.store.GetCreditBalance(ctx, accountID); err == nil {
			cc.UserTotalConsumed = balance.TotalConsumed
		}
	}
	if cc.Now.IsZero() {
		cc.Now = s.now().UTC()
	}
	return s.pricing.OperationCost(operation, cc)
}

// hbarUSDRate resolves the exchange rate: cache, then mirror node, then the
// configured fallback.
func (s *Service) hbarUSDRate(ctx context.Context) (float64, error) {
	if rate, ok, err := s.cache.GetFloat(ctx, cache.ExchangeRateKey()); err == nil && ok && rate > 0 {
		return rate, nil
	}

	rate, err := s.chain.HbarUSDRate(ctx)
	if err != nil {
		if s.cfg.FallbackHbarUSDRate > 0 {
			s.logger.Warn("exchange rate lookup failed, using fallback",
				"fallback", s.cfg.FallbackHbarUSDRate, "error", err)
			return s.cfg.FallbackHbarUSDRate, nil
		}
		return 0, err
	}

	if err := s.cache.SetFloat(ctx, cache.ExchangeRateKey(), rate, rateCacheTTL); err != nil {
		s.logger.Warn("exchange rate cache write failed", "error", err)
	}
	return rate, nil
}

// amountMatches compares HBAR amounts with a one-tinybar tolerance.
func amountMatches(received, expected float64) bool {
	return math.Abs(received-expected) < 1e-8+1e-9
}
