// Package auth implements the challenge/signature handshake and the API
// key lifecycle.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/hashgate-io/hashgate/internal/store"
	"github.com/hashgate-io/hashgate/pkg/models"
)

var accountIDPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ErrInvalidAccountID rejects malformed Hedera account ids before any
// storage round trip.
var ErrInvalidAccountID = fmt.Errorf("invalid account id format")

// ChallengeService issues and consumes single-use authentication
// challenges.
type ChallengeService struct {
	store   store.Store
	network string
}

// NewChallengeService creates a ChallengeService for the given network
// name (mainnet, testnet, previewnet).
func NewChallengeService(s store.Store, network string) *ChallengeService {
	return &ChallengeService{store: s, network: network}
}

// Network returns the network name challenges are bound to.
func (s *ChallengeService) Network() string {
	return s.network
}

// Generate creates a challenge for the account with a fresh random nonce
// and a 5-minute expiry. Multiple outstanding challenges per account are
// allowed.
func (s *ChallengeService) Generate(ctx context.Context, accountID, ip, userAgent string) (*models.AuthChallenge, error) {
	if !accountIDPattern.MatchString(accountID) {
		return nil, ErrInvalidAccountID
	}

	id, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generate challenge id: %w", err)
	}
	nonce, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := time.Now().UTC()
	ch := &models.AuthChallenge{
		ID:        id,
		AccountID: accountID,
		Nonce:     nonce,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(models.ChallengeTTL),
	}
	if err := s.store.CreateChallenge(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Consume atomically marks the challenge used and returns it. Returns
// store.ErrNotFound when no unused, unexpired challenge matches — a second
// consumption of the same challenge always fails.
func (s *ChallengeService) Consume(ctx context.Context, challengeID, accountID string) (*models.AuthChallenge, error) {
	return s.store.ConsumeChallenge(ctx, challengeID, accountID, time.Now().UTC())
}

// CleanupExpired deletes challenges past their expiry. Safe to run
// concurrently with verification: expired rows are already unverifiable.
func (s *ChallengeService) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredChallenges(ctx, time.Now().UTC())
}

// SigningMessage is the canonical text a client signs. The timestamp is
// client-supplied and not bounded here; the 5-minute challenge expiry
// bounds freshness server-side.
func (s *ChallengeService) SigningMessage(nonce string, timestampMS int64, accountID string) string {
	return fmt.Sprintf(
		"Sign this message to authenticate with MCP Server\n\nChallenge: %s\nNonce: %s\nTimestamp: %d\nAccount: %s\nNetwork: %s",
		nonce, nonce, timestampMS, accountID, s.network)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
