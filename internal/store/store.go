package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashgate-io/hashgate/pkg/models"
)

var (
	ErrNotFound            = errors.New("resource not found")
	ErrDuplicateKey        = errors.New("duplicate key violation")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrAlreadyProcessed    = errors.New("payment already processed")
)

// Store is the data access interface. All database operations go through
// here; the service layer never branches on the backing dialect.
type Store interface {
	Ping(ctx context.Context) error

	// Challenges. ConsumeChallenge performs the read and the used=false->true
	// flip as one conditional update so concurrent verifications of the same
	// challenge cannot both succeed.
	CreateChallenge(ctx context.Context, ch *models.AuthChallenge) error
	ConsumeChallenge(ctx context.Context, id, accountID string, now time.Time) (*models.AuthChallenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error)

	// API keys. Keys are never deleted; revocation and suspension flip status.
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	ListAPIKeysByAccount(ctx context.Context, accountID string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID string) error
	MarkAPIKeyRotated(ctx context.Context, id uuid.UUID, accountID string, link models.RotationLink) error
	SuspendAPIKey(ctx context.Context, id uuid.UUID, info models.SuspendedInfo) error

	// Usage audit trail, append-only.
	InsertUsage(ctx context.Context, rec *models.APIKeyUsage) error
	UsageStats(ctx context.Context, apiKeyID uuid.UUID, since time.Time) (*models.UsageStats, error)

	// Anomaly events.
	InsertAnomalyEvent(ctx context.Context, ev *models.AnomalyEvent) error
	ListAnomalyEvents(ctx context.Context, accountID string, limit int) ([]*models.AnomalyEvent, error)
	TrimAnomalyEvents(ctx context.Context, apiKeyID uuid.UUID, keep int, retainAfter time.Time) (int64, error)

	// Credit ledger. DebitCredits checks sufficiency and debits in a single
	// conditional update plus ledger insert committed together; CreditPurchase
	// is the reverse path used by payment completion.
	GetCreditBalance(ctx context.Context, accountID string) (*models.CreditBalance, error)
	ListCreditTransactions(ctx context.Context, accountID string, limit int) ([]*models.CreditTransaction, error)
	DebitCredits(ctx context.Context, accountID string, amount int64, description, relatedOp string) (*models.CreditTransaction, error)

	// HBAR payments. CompletePayment atomically flips the payment to
	// completed, credits the balance, and appends the purchase row.
	CreatePayment(ctx context.Context, p *models.HbarPayment) error
	GetPayment(ctx context.Context, transactionID string) (*models.HbarPayment, error)
	CompletePayment(ctx context.Context, transactionID string, at time.Time) (*models.CreditTransaction, error)
	FailPayment(ctx context.Context, transactionID string, at time.Time) error
}
