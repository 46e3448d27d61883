package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/hashgate-io/hashgate/internal/store"
	"github.com/hashgate-io/hashgate/pkg/models"
)

// KeyPrefix is the literal prefix of every issued key.
const KeyPrefix = "hg_"

const keySecretBytes = 32 // 256 bits of entropy after the prefix

// ErrInvalidKey covers every verification failure: unknown, revoked, or
// expired keys all look the same to the caller so accounts cannot be
// enumerated.
var ErrInvalidKey = errors.New("invalid api key")

// KeyService generates, verifies, rotates, and revokes API keys. Key
// material is stored as a SHA-256 lookup hash plus an AES-GCM encrypted
// copy used only for masked re-display.
type KeyService struct {
	store store.Store
	aead  cipher.AEAD
}

// NewKeyService creates a KeyService. The AES key is derived from
// masterSecret with HKDF so the configured secret can be any length.
func NewKeyService(s store.Store, masterSecret []byte) (*KeyService, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("key encryption secret must not be empty")
	}

	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte("hashgate/api-key-encryption/v1"))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &KeyService{store: s, aead: aead}, nil
}

// GenerateParams are the inputs for issuing a new key.
type GenerateParams struct {
	AccountID   string
	Name        string
	Permissions []string
	RateLimit   int
	ExpiresAt   *time.Time
	Metadata    models.KeyMetadata
}

// GeneratedKey pairs the stored record with the plaintext key, which is
// returned exactly once.
type GeneratedKey struct {
	Key      *models.APIKey
	PlainKey string
}

// Generate issues a new API key for the account. Defaults: name "default",
// read-only permissions.
func (s *KeyService) Generate(ctx context.Context, p GenerateParams) (*GeneratedKey, error) {
	if !accountIDPattern.MatchString(p.AccountID) {
		return nil, ErrInvalidAccountID
	}
	if p.Name == "" {
		p.Name = "default"
	}
	if len(p.Permissions) == 0 {
		p.Permissions = []string{models.PermissionRead}
	}

	secret := make([]byte, keySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	plainKey := KeyPrefix + hex.EncodeToString(secret)

	encrypted, err := s.encrypt(plainKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:              uuid.New(),
		AccountID:       p.AccountID,
		Name:            p.Name,
		KeyHash:         HashKey(plainKey),
		EncryptedSecret: encrypted,
		Permissions:     p.Permissions,
		Status:          models.KeyStatusActive,
		RateLimit:       p.RateLimit,
		Metadata:        p.Metadata,
		ExpiresAt:       p.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return &GeneratedKey{Key: key, PlainKey: plainKey}, nil
}

// Verify resolves a plaintext key to its record. Returns ErrInvalidKey for
// unknown, revoked, and expired keys alike. On success the last-used stamp
// updates best-effort in the background; a failure there never fails the
// request.
func (s *KeyService) Verify(ctx context.Context, plainKey string) (*models.APIKey, error) {
	if len(plainKey) != len(KeyPrefix)+keySecretBytes*2 {
		return nil, ErrInvalidKey
	}

	key, err := s.store.GetAPIKeyByHash(ctx, HashKey(plainKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if !key.Active(time.Now().UTC()) {
		return nil, ErrInvalidKey
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
			slog.Warn("update key last used failed", "key_id", key.ID, "error", err)
		}
	}()

	return key, nil
}

// Revoke flips the key to revoked if it belongs to accountID. Returns
// false (without distinguishing "unknown" from "not yours") otherwise.
func (s *KeyService) Revoke(ctx context.Context, id uuid.UUID, accountID string) (bool, error) {
	err := s.store.RevokeAPIKey(ctx, id, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Rotate issues a replacement key with the old key's permissions, links
// the lineage in both directions, then revokes the old key. If revocation
// fails after the new key exists, the new key stays usable: rotation
// favors availability over strict symmetry.
func (s *KeyService) Rotate(ctx context.Context, id uuid.UUID, accountID string) (*GeneratedKey, error) {
	old, err := s.store.GetAPIKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if old.AccountID != accountID || old.Status != models.KeyStatusActive {
		return nil, ErrInvalidKey
	}

	now := time.Now().UTC()
	generated, err := s.Generate(ctx, GenerateParams{
		AccountID:   accountID,
		Name:        old.Name + " (rotated)",
		Permissions: old.Permissions,
		RateLimit:   old.RateLimit,
		ExpiresAt:   old.ExpiresAt,
		Metadata: models.KeyMetadata{
			RotatedFrom: &models.RotationLink{KeyID: old.ID, At: now},
		},
	})
	if err != nil {
		return nil, err
	}

	link := models.RotationLink{KeyID: generated.Key.ID, At: now}
	if err := s.store.MarkAPIKeyRotated(ctx, old.ID, accountID, link); err != nil {
		slog.Error("rotation: failed to revoke old key, new key remains valid",
			"old_key_id", old.ID, "new_key_id", generated.Key.ID, "error", err)
	}
	return generated, nil
}

// Suspend deactivates a key server-side, stamping the reason into its
// metadata. Used by the anomaly detector for high-severity events.
func (s *KeyService) Suspend(ctx context.Context, id uuid.UUID, reason string) error {
	return s.store.SuspendAPIKey(ctx, id, models.SuspendedInfo{
		At:     time.Now().UTC(),
		Reason: reason,
	})
}

// ListByAccount returns all of the account's keys, active and revoked.
func (s *KeyService) ListByAccount(ctx context.Context, accountID string) ([]*models.APIKey, error) {
	return s.store.ListAPIKeysByAccount(ctx, accountID)
}

// LogUsage appends an audit record. Storage errors are logged and
// swallowed: usage logging never fails the caller's request.
func (s *KeyService) LogUsage(ctx context.Context, rec *models.APIKeyUsage) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.store.InsertUsage(ctx, rec); err != nil {
		slog.Warn("usage log insert failed", "key_id", rec.APIKeyID, "error", err)
	}
}

// MaskedSecret decrypts the stored copy and masks all but the prefix and
// final four characters, for admin re-display.
func (s *KeyService) MaskedSecret(key *models.APIKey) (string, error) {
	plain, err := s.decrypt(key.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("decrypt key secret: %w", err)
	}
	if len(plain) < len(KeyPrefix)+8 {
		return "", fmt.Errorf("stored secret too short")
	}
	return plain[:len(KeyPrefix)+4] + "..." + plain[len(plain)-4:], nil
}

// HashKey returns the hex SHA-256 lookup hash of a plaintext key.
func HashKey(plainKey string) string {
	sum := sha256.Sum256([]byte(plainKey))
	return hex.EncodeToString(sum[:])
}

func (s *KeyService) encrypt(plain string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *KeyService) decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
