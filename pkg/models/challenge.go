package models

import "time"

// ChallengeTTL is how long an issued challenge stays verifiable.
const ChallengeTTL = 5 * time.Minute

// AuthChallenge is a single-use nonce a client must sign to prove control
// of a Hedera account. Used flips false->true exactly once, on the first
// successful verification.
type AuthChallenge struct {
	ID        string    `db:"id"         json:"challenge_id"`
	AccountID string    `db:"account_id" json:"account_id"`
	Nonce     string    `db:"nonce"      json:"nonce"`
	Used      bool      `db:"used"       json:"-"`
	IP        string    `db:"ip"         json:"-"`
	UserAgent string    `db:"user_agent" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the challenge can no longer be verified.
func (c *AuthChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
