package models

import "time"

// HBAR payment states. pending -> completed and pending -> failed are the
// only transitions; both are terminal.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
)

// HbarPayment tracks one on-chain transfer to the treasury account.
// TransactionID is the chain transaction id and is credited at most once.
type HbarPayment struct {
	TransactionID    string     `db:"transaction_id"    json:"transaction_id"`
	PayerAccountID   string     `db:"payer_account_id"  json:"payer_account_id"`
	HbarAmount       float64    `db:"hbar_amount"       json:"hbar_amount"`
	CreditsAllocated int64      `db:"credits_allocated" json:"credits_allocated"`
	Memo             string     `db:"memo"              json:"memo,omitempty"`
	Status           string     `db:"status"            json:"status"`
	ProcessedAt      *time.Time `db:"processed_at"      json:"processed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
}
