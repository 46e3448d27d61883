// Package storetest provides an in-memory Store implementation for unit
// tests. It honors the same atomicity contracts as the Postgres store:
// exactly-once challenge consumption, race-free debits, at-most-once
// payment completion.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hashgate-io/hashgate/internal/store"
	"github.com/hashgate-io/hashgate/pkg/models"
)

// Fake is an in-memory store.Store. Safe for concurrent use. The Err*
// fields force failures for specific call families.
type Fake struct {
	mu sync.Mutex

	challenges map[string]*models.AuthChallenge
	keys       map[uuid.UUID]*models.APIKey
	usage      []*models.APIKeyUsage
	anomalies  []*models.AnomalyEvent
	balances   map[string]*models.CreditBalance
	ledger     []*models.CreditTransaction
	payments   map[string]*models.HbarPayment

	ErrChallenges error
	ErrKeys       error
	ErrUsage      error
	ErrAnomalies  error
	ErrLedger     error
	ErrPayments   error
}

var _ store.Store = (*Fake)(nil)

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		challenges: make(map[string]*models.AuthChallenge),
		keys:       make(map[uuid.UUID]*models.APIKey),
		balances:   make(map[string]*models.CreditBalance),
		payments:   make(map[string]*models.HbarPayment),
	}
}

func (f *Fake) Ping(context.Context) error { return nil }

// --- Challenges ---

func (f *Fake) CreateChallenge(_ context.Context, ch *models.AuthChallenge) error {
	if f.ErrChallenges != nil {
		return f.ErrChallenges
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.challenges[ch.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *ch
	f.challenges[ch.ID] = &cp
	return nil
}

func (f *Fake) ConsumeChallenge(_ context.Context, id, accountID string, now time.Time) (*models.AuthChallenge, error) {
	if f.ErrChallenges != nil {
		return nil, f.ErrChallenges
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.challenges[id]
	if !ok || ch.AccountID != accountID || ch.Used || !now.Before(ch.ExpiresAt) {
		return nil, store.ErrNotFound
	}
	ch.Used = true
	cp := *ch
	return &cp, nil
}

func (f *Fake) DeleteExpiredChallenges(_ context.Context, now time.Time) (int64, error) {
	if f.ErrChallenges != nil {
		return 0, f.ErrChallenges
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, ch := range f.challenges {
		if ch.ExpiresAt.Before(now) {
			delete(f.challenges, id)
			n++
		}
	}
	return n, nil
}

// --- API Keys ---

func (f *Fake) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	if f.ErrKeys != nil {
		return f.ErrKeys
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.KeyHash == key.KeyHash {
			return store.ErrDuplicateKey
		}
	}
	cp := *key
	f.keys[key.ID] = &cp
	return nil
}

func (f *Fake) GetAPIKey(_ context.Context, id uuid.UUID) (*models.APIKey, error) {
	if f.ErrKeys != nil {
		return nil, f.ErrKeys
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *Fake) GetAPIKeyByHash(_ context.Context, keyHash string) (*models.APIKey, error) {
	if f.ErrKeys != nil {
		return nil, f.ErrKeys
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.KeyHash == keyHash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Fake) ListAPIKeysByAccount(_ context.Context, accountID string) ([]*models.APIKey, error) {
	if f.ErrKeys != nil {
		return nil, f.ErrKeys
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.APIKey
	for _, k := range f.keys {
		if k.AccountID == accountID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	if f.ErrKeys != nil {
		return f.ErrKeys
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (f *Fake) RevokeAPIKey(_ context.Context, id uuid.UUID, accountID string) error {
	if f.ErrKeys != nil {
		return f.ErrKeys
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok || k.AccountID != accountID || k.Status != models.KeyStatusActive {
		return store.ErrNotFound
	}
	k.Status = models.KeyStatusRevoked
	k.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) MarkAPIKeyRotated(_ context.Context, id uuid.UUID, accountID string, link models.RotationLink) error {
	if f.ErrKeys != nil {
		return f.ErrKeys
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok || k.AccountID != accountID || k.Status != models.KeyStatusActive {
		return store.ErrNotFound
	}
	k.Status = models.KeyStatusRevoked
	k.Metadata.RotatedTo = &link
	k.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) SuspendAPIKey(_ context.Context, id uuid.UUID, info models.SuspendedInfo) error {
	if f.ErrKeys != nil {
		return f.ErrKeys
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok || k.Status != models.KeyStatusActive {
		return store.ErrNotFound
	}
	k.Status = models.KeyStatusRevoked
	k.Metadata.Suspended = &info
	k.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Usage ---

func (f *Fake) InsertUsage(_ context.Context, rec *models.APIKeyUsage) error {
	if f.ErrUsage != nil {
		return f.ErrUsage
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.usage = append(f.usage, &cp)
	return nil
}

func (f *Fake) UsageStats(_ context.Context, apiKeyID uuid.UUID, since time.Time) (*models.UsageStats, error) {
	if f.ErrUsage != nil {
		return nil, f.ErrUsage
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &models.UsageStats{}
	endpoints := map[string]struct{}{}
	ips := map[string]struct{}{}
	for _, u := range f.usage {
		if u.APIKeyID != apiKeyID || u.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		if u.StatusCode >= 400 {
			stats.Errors++
		}
		endpoints[u.Endpoint] = struct{}{}
		if u.IP != "" {
			ips[u.IP] = struct{}{}
		}
	}
	stats.UniqueEndpoints = len(endpoints)
	for ip := range ips {
		stats.IPs = append(stats.IPs, ip)
	}
	sort.Strings(stats.IPs)
	return stats, nil
}

// --- Anomaly events ---

func (f *Fake) InsertAnomalyEvent(_ context.Context, ev *models.AnomalyEvent) error {
	if f.ErrAnomalies != nil {
		return f.ErrAnomalies
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ev
	f.anomalies = append(f.anomalies, &cp)
	return nil
}

func (f *Fake) ListAnomalyEvents(_ context.Context, accountID string, limit int) ([]*models.AnomalyEvent, error) {
	if f.ErrAnomalies != nil {
		return nil, f.ErrAnomalies
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AnomalyEvent
	for _, ev := range f.anomalies {
		if ev.AccountID == accountID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) TrimAnomalyEvents(_ context.Context, apiKeyID uuid.UUID, keep int, retainAfter time.Time) (int64, error) {
	if f.ErrAnomalies != nil {
		return 0, f.ErrAnomalies
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var mine []*models.AnomalyEvent
	for _, ev := range f.anomalies {
		if ev.APIKeyID == apiKeyID {
			mine = append(mine, ev)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt.After(mine[j].CreatedAt) })

	drop := map[uuid.UUID]struct{}{}
	for i, ev := range mine {
		if i >= keep || ev.CreatedAt.Before(retainAfter) {
			drop[ev.ID] = struct{}{}
		}
	}
	var kept []*models.AnomalyEvent
	for _, ev := range f.anomalies {
		if _, gone := drop[ev.ID]; !gone {
			kept = append(kept, ev)
		}
	}
	removed := int64(len(f.anomalies) - len(kept))
	f.anomalies = kept
	return removed, nil
}

// --- Credit ledger ---

func (f *Fake) GetCreditBalance(_ context.Context, accountID string) (*models.CreditBalance, error) {
	if f.ErrLedger != nil {
		return nil, f.ErrLedger
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *Fake) ListCreditTransactions(_ context.Context, accountID string, limit int) ([]*models.CreditTransaction, error) {
	if f.ErrLedger != nil {
		return nil, f.ErrLedger
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.CreditTransaction
	for _, tx := range f.ledger {
		if tx.AccountID == accountID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) DebitCredits(_ context.Context, accountID string, amount int64, description, relatedOp string) (*models.CreditTransaction, error) {
	if f.ErrLedger != nil {
		return nil, f.ErrLedger
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	b, ok := f.balances[accountID]
	if !ok {
		b = &models.CreditBalance{AccountID: accountID, UpdatedAt: now}
		f.balances[accountID] = b
	}
	if b.Balance < amount {
		return nil, store.ErrInsufficientBalance
	}
	b.Balance -= amount
	b.TotalConsumed += amount
	b.UpdatedAt = now

	rec := &models.CreditTransaction{
		ID:               uuid.New(),
		AccountID:        accountID,
		Type:             models.TxTypeConsumption,
		Amount:           -amount,
		BalanceAfter:     b.Balance,
		Description:      description,
		RelatedOperation: relatedOp,
		CreatedAt:        now,
	}
	f.ledger = append(f.ledger, rec)
	cp := *rec
	return &cp, nil
}

// --- Payments ---

func (f *Fake) CreatePayment(_ context.Context, p *models.HbarPayment) error {
	if f.ErrPayments != nil {
		return f.ErrPayments
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.payments[p.TransactionID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *p
	f.payments[p.TransactionID] = &cp
	return nil
}

func (f *Fake) GetPayment(_ context.Context, transactionID string) (*models.HbarPayment, error) {
	if f.ErrPayments != nil {
		return nil, f.ErrPayments
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *Fake) CompletePayment(_ context.Context, transactionID string, at time.Time) (*models.CreditTransaction, error) {
	if f.ErrPayments != nil {
		return nil, f.ErrPayments
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Status != models.PaymentPending {
		return nil, store.ErrAlreadyProcessed
	}
	p.Status = models.PaymentCompleted
	p.ProcessedAt = &at

	b, ok := f.balances[p.PayerAccountID]
	if !ok {
		b = &models.CreditBalance{AccountID: p.PayerAccountID}
		f.balances[p.PayerAccountID] = b
	}
	b.Balance += p.CreditsAllocated
	b.TotalPurchased += p.CreditsAllocated
	b.UpdatedAt = at

	rec := &models.CreditTransaction{
		ID:           uuid.New(),
		AccountID:    p.PayerAccountID,
		Type:         models.TxTypePurchase,
		Amount:       p.CreditsAllocated,
		BalanceAfter: b.Balance,
		Description:  "HBAR payment " + p.TransactionID,
		CreatedAt:    at,
	}
	f.ledger = append(f.ledger, rec)
	cp := *rec
	return &cp, nil
}

func (f *Fake) FailPayment(_ context.Context, transactionID string, at time.Time) error {
	if f.ErrPayments != nil {
		return f.ErrPayments
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	if p.Status != models.PaymentPending {
		return store.ErrAlreadyProcessed
	}
	p.Status = models.PaymentFailed
	p.ProcessedAt = &at
	return nil
}
