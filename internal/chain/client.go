// Package chain talks to the Hedera network: mirror-node queries for
// account keys, transaction outcomes, and the HBAR/USD exchange rate, plus
// unsigned-transaction building via the Hedera SDK.
package chain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for chain queries.
var (
	// ErrTxNotFound means the mirror node has not yet seen the transaction.
	// Callers treat this as "not yet verifiable" and retry, never as failure.
	ErrTxNotFound = errors.New("transaction not found on mirror node")

	ErrAccountNotFound = errors.New("account not found on mirror node")
	ErrUnreachable     = errors.New("mirror node unreachable")
)

// Client is the chain-query interface consumed by the auth and credit
// services. Implementations must return within a bounded timeout.
type Client interface {
	// AccountPublicKey resolves the account's current public key, in the
	// mirror node's encoding (hex DER or raw hex).
	AccountPublicKey(ctx context.Context, accountID string) (string, error)

	// Transaction resolves a transaction's final result, payer, and
	// transfers by its mirror-format id (shard.realm.num-seconds-nanos).
	Transaction(ctx context.Context, transactionID string) (*TransactionInfo, error)

	// HbarUSDRate returns the current exchange rate in USD per HBAR.
	HbarUSDRate(ctx context.Context) (float64, error)
}

// Transfer is one leg of a crypto transfer, in tinybars (negative = debit).
type Transfer struct {
	Account  string
	Tinybars int64
}

// TransactionInfo is the mirror node's view of a settled transaction.
type TransactionInfo struct {
	TransactionID string
	Result        string
	PayerAccount  string
	Transfers     []Transfer
	ConsensusAt   time.Time
}

// Succeeded reports whether the transaction reached consensus successfully.
func (t *TransactionInfo) Succeeded() bool {
	return t.Result == "SUCCESS"
}

// HbarTo sums the HBAR received by the given account in this transaction.
func (t *TransactionInfo) HbarTo(account string) float64 {
	var tinybars int64
	for _, tr := range t.Transfers {
		if tr.Account == account && tr.Tinybars > 0 {
			tinybars += tr.Tinybars
		}
	}
	return float64(tinybars) / 1e8
}
