package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hashgate-io/hashgate/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Challenges ---

func (s *PostgresStore) CreateChallenge(ctx context.Context, ch *models.AuthChallenge) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_challenges (id, account_id, nonce, used, ip, user_agent, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ch.ID, ch.AccountID, ch.Nonce, ch.Used, ch.IP, ch.UserAgent, ch.CreatedAt, ch.ExpiresAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge flips used=false -> true and returns the row in a single
// conditional update. Exactly one of any set of concurrent calls for the
// same challenge succeeds; the rest get ErrNotFound.
func (s *PostgresStore) ConsumeChallenge(ctx context.Context, id, accountID string, now time.Time) (*models.AuthChallenge, error) {
	var ch models.AuthChallenge
	err := s.pool.QueryRow(ctx,
		`UPDATE auth_challenges SET used = TRUE
		 WHERE id = $1 AND account_id = $2 AND used = FALSE AND expires_at > $3
		 RETURNING id, account_id, nonce, used, ip, user_agent, created_at, expires_at`,
		id, accountID, now,
	).Scan(&ch.ID, &ch.AccountID, &ch.Nonce, &ch.Used, &ch.IP, &ch.UserAgent, &ch.CreatedAt, &ch.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	return &ch, nil
}

func (s *PostgresStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_challenges WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- API Keys ---

const apiKeyColumns = `id, account_id, name, key_hash, encrypted_secret, permissions, status,
	rate_limit, metadata, expires_at, last_used_at, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	var metadata []byte
	err := row.Scan(&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.EncryptedSecret, &k.Permissions,
		&k.Status, &k.RateLimit, &metadata, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &k.Metadata); err != nil {
			return nil, fmt.Errorf("decode key metadata: %w", err)
		}
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	metadata, err := json.Marshal(key.Metadata)
	if err != nil {
		return fmt.Errorf("encode key metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, account_id, name, key_hash, encrypted_secret, permissions, status,
		                       rate_limit, metadata, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		key.ID, key.AccountID, key.Name, key.KeyHash, key.EncryptedSecret, key.Permissions,
		key.Status, key.RateLimit, metadata, key.ExpiresAt, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	key, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	key, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) ListAPIKeysByAccount(ctx context.Context, accountID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND account_id = $2 AND status = $4`,
		id, accountID, models.KeyStatusRevoked, models.KeyStatusActive)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAPIKeyRotated(ctx context.Context, id uuid.UUID, accountID string, link models.RotationLink) error {
	patch, err := json.Marshal(map[string]any{"rotated_to": link})
	if err != nil {
		return fmt.Errorf("encode rotation link: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET status = $3, metadata = metadata || $4::jsonb, updated_at = NOW()
		 WHERE id = $1 AND account_id = $2 AND status = $5`,
		id, accountID, models.KeyStatusRevoked, patch, models.KeyStatusActive)
	if err != nil {
		return fmt.Errorf("mark api key rotated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SuspendAPIKey(ctx context.Context, id uuid.UUID, info models.SuspendedInfo) error {
	patch, err := json.Marshal(map[string]any{"suspended": info})
	if err != nil {
		return fmt.Errorf("encode suspension info: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET status = $2, metadata = metadata || $3::jsonb, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, models.KeyStatusRevoked, patch, models.KeyStatusActive)
	if err != nil {
		return fmt.Errorf("suspend api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Usage ---

func (s *PostgresStore) InsertUsage(ctx context.Context, rec *models.APIKeyUsage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_key_usage (id, api_key_id, endpoint, method, status_code, response_time_ms, ip, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.APIKeyID, rec.Endpoint, rec.Method, rec.StatusCode, rec.ResponseTimeMS,
		rec.IP, rec.UserAgent, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) UsageStats(ctx context.Context, apiKeyID uuid.UUID, since time.Time) (*models.UsageStats, error) {
	var stats models.UsageStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status_code >= 400),
		        COUNT(DISTINCT endpoint)
		 FROM api_key_usage WHERE api_key_id = $1 AND created_at >= $2`,
		apiKeyID, since,
	).Scan(&stats.Total, &stats.Errors, &stats.UniqueEndpoints)
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ip FROM api_key_usage
		 WHERE api_key_id = $1 AND created_at >= $2 AND ip <> ''`,
		apiKeyID, since)
	if err != nil {
		return nil, fmt.Errorf("usage ips: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scan usage ip: %w", err)
		}
		stats.IPs = append(stats.IPs, ip)
	}
	return &stats, rows.Err()
}

// --- Anomaly Events ---

func (s *PostgresStore) InsertAnomalyEvent(ctx context.Context, ev *models.AnomalyEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("encode anomaly details: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO anomaly_events (id, type, api_key_id, account_id, severity, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.Type, ev.APIKeyID, ev.AccountID, ev.Severity, details, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert anomaly event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAnomalyEvents(ctx context.Context, accountID string, limit int) ([]*models.AnomalyEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, api_key_id, account_id, severity, details, created_at
		 FROM anomaly_events WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list anomaly events: %w", err)
	}
	defer rows.Close()

	var events []*models.AnomalyEvent
	for rows.Next() {
		var ev models.AnomalyEvent
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.APIKeyID, &ev.AccountID, &ev.Severity, &details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode anomaly details: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// TrimAnomalyEvents drops rows for a key that fall outside the bounded
// history: anything beyond the most recent keep rows, or recorded before
// retainAfter.
func (s *PostgresStore) TrimAnomalyEvents(ctx context.Context, apiKeyID uuid.UUID, keep int, retainAfter time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM anomaly_events
		 WHERE api_key_id = $1
		   AND (created_at < $2 OR id NOT IN (
		       SELECT id FROM anomaly_events WHERE api_key_id = $1
		       ORDER BY created_at DESC LIMIT $3))`,
		apiKeyID, retainAfter, keep)
	if err != nil {
		return 0, fmt.Errorf("trim anomaly events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Credit Ledger ---

func (s *PostgresStore) GetCreditBalance(ctx context.Context, accountID string) (*models.CreditBalance, error) {
	var b models.CreditBalance
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, balance, total_purchased, total_consumed, updated_at
		 FROM credit_balances WHERE account_id = $1`, accountID,
	).Scan(&b.AccountID, &b.Balance, &b.TotalPurchased, &b.TotalConsumed, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit balance: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) ListCreditTransactions(ctx context.Context, accountID string, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, type, amount, balance_after, description, related_operation, created_at
		 FROM credit_transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter,
			&t.Description, &t.RelatedOperation, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

// DebitCredits performs the sufficiency check and the debit as one
// conditional update so concurrent debits for the same account cannot
// jointly overdraw it. The ledger row commits with the balance update or
// not at all.
func (s *PostgresStore) DebitCredits(ctx context.Context, accountID string, amount int64, description, relatedOp string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	// The balance row may not exist yet for an account that has never
	// purchased; seed a zero row so the conditional update has a target.
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_balances (account_id, balance, total_purchased, total_consumed, updated_at)
		 VALUES ($1, 0, 0, 0, $2) ON CONFLICT (account_id) DO NOTHING`,
		accountID, now); err != nil {
		return nil, fmt.Errorf("seed credit balance: %w", err)
	}

	var balanceAfter int64
	err = tx.QueryRow(ctx,
		`UPDATE credit_balances
		 SET balance = balance - $2, total_consumed = total_consumed + $2, updated_at = $3
		 WHERE account_id = $1 AND balance >= $2
		 RETURNING balance`,
		accountID, amount, now,
	).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("debit credits: %w", err)
	}

	rec := &models.CreditTransaction{
		ID:               uuid.New(),
		AccountID:        accountID,
		Type:             models.TxTypeConsumption,
		Amount:           -amount,
		BalanceAfter:     balanceAfter,
		Description:      description,
		RelatedOperation: relatedOp,
		CreatedAt:        now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, account_id, type, amount, balance_after, description, related_operation, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.AccountID, rec.Type, rec.Amount, rec.BalanceAfter,
		rec.Description, rec.RelatedOperation, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert consumption row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return rec, nil
}

// --- HBAR Payments ---

func (s *PostgresStore) CreatePayment(ctx context.Context, p *models.HbarPayment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hbar_payments (transaction_id, payer_account_id, hbar_amount, credits_allocated, memo, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.TransactionID, p.PayerAccountID, p.HbarAmount, p.CreditsAllocated, p.Memo, p.Status, p.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, transactionID string) (*models.HbarPayment, error) {
	var p models.HbarPayment
	err := s.pool.QueryRow(ctx,
		`SELECT transaction_id, payer_account_id, hbar_amount, credits_allocated, memo, status, processed_at, created_at
		 FROM hbar_payments WHERE transaction_id = $1`, transactionID,
	).Scan(&p.TransactionID, &p.PayerAccountID, &p.HbarAmount, &p.CreditsAllocated,
		&p.Memo, &p.Status, &p.ProcessedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

// CompletePayment marks a pending payment completed, credits the payer's
// balance, and appends the purchase ledger row, all in one transaction.
// A payment already completed or failed returns ErrAlreadyProcessed and
// changes nothing: a given transaction id is credited at most once.
func (s *PostgresStore) CompletePayment(ctx context.Context, transactionID string, at time.Time) (*models.CreditTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin payment completion: %w", err)
	}
	defer tx.Rollback(ctx)

	var p models.HbarPayment
	err = tx.QueryRow(ctx,
		`SELECT transaction_id, payer_account_id, hbar_amount, credits_allocated, memo, status
		 FROM hbar_payments WHERE transaction_id = $1 FOR UPDATE`, transactionID,
	).Scan(&p.TransactionID, &p.PayerAccountID, &p.HbarAmount, &p.CreditsAllocated, &p.Memo, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	if p.Status != models.PaymentPending {
		return nil, ErrAlreadyProcessed
	}

	if _, err := tx.Exec(ctx,
		`UPDATE hbar_payments SET status = $2, processed_at = $3 WHERE transaction_id = $1`,
		transactionID, models.PaymentCompleted, at); err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}

	var balanceAfter int64
	err = tx.QueryRow(ctx,
		`INSERT INTO credit_balances (account_id, balance, total_purchased, total_consumed, updated_at)
		 VALUES ($1, $2, $2, 0, $3)
		 ON CONFLICT (account_id) DO UPDATE SET
		   balance = credit_balances.balance + EXCLUDED.balance,
		   total_purchased = credit_balances.total_purchased + EXCLUDED.total_purchased,
		   updated_at = EXCLUDED.updated_at
		 RETURNING balance`,
		p.PayerAccountID, p.CreditsAllocated, at,
	).Scan(&balanceAfter)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	rec := &models.CreditTransaction{
		ID:               uuid.New(),
		AccountID:        p.PayerAccountID,
		Type:             models.TxTypePurchase,
		Amount:           p.CreditsAllocated,
		BalanceAfter:     balanceAfter,
		Description:      fmt.Sprintf("HBAR payment %s", p.TransactionID),
		RelatedOperation: "credit_purchase",
		CreatedAt:        at,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, account_id, type, amount, balance_after, description, related_operation, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.AccountID, rec.Type, rec.Amount, rec.BalanceAfter,
		rec.Description, rec.RelatedOperation, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert purchase row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit payment completion: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FailPayment(ctx context.Context, transactionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hbar_payments SET status = $2, processed_at = $3
		 WHERE transaction_id = $1 AND status = $4`,
		transactionID, models.PaymentFailed, at, models.PaymentPending)
	if err != nil {
		return fmt.Errorf("fail payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
