package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction types.
const (
	TxTypePurchase    = "purchase"
	TxTypeConsumption = "consumption"
)

// CreditBalance is the running position for one account.
// Invariant: Balance = TotalPurchased - TotalConsumed, and Balance never
// goes negative after a debit.
type CreditBalance struct {
	AccountID      string    `db:"account_id"      json:"account_id"`
	Balance        int64     `db:"balance"         json:"balance"`
	TotalPurchased int64     `db:"total_purchased" json:"total_purchased"`
	TotalConsumed  int64     `db:"total_consumed"  json:"total_consumed"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// CreditTransaction is one append-only ledger row. Amount is signed:
// positive for purchases, negative for consumption. BalanceAfter equals the
// prior row's BalanceAfter plus Amount, in creation order per account.
type CreditTransaction struct {
	ID               uuid.UUID `db:"id"                json:"id"`
	AccountID        string    `db:"account_id"        json:"account_id"`
	Type             string    `db:"type"              json:"type"`
	Amount           int64     `db:"amount"            json:"amount"`
	BalanceAfter     int64     `db:"balance_after"     json:"balance_after"`
	Description      string    `db:"description"       json:"description"`
	RelatedOperation string    `db:"related_operation" json:"related_operation,omitempty"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
}
