package handler

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/auth"
	"github.com/hashgate-io/hashgate/internal/metrics"
	"github.com/hashgate-io/hashgate/internal/store"
	"github.com/hashgate-io/hashgate/pkg/models"
)

// NewChallengeHandler returns POST /api/v1/auth/challenge. The response
// carries the exact message the wallet must sign.
func NewChallengeHandler(challenges *auth.ChallengeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccountID string `json:"account_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ch, err := challenges.Generate(r.Context(), req.AccountID, clientAddr(r), r.UserAgent())
		if err != nil {
			if errors.Is(err, auth.ErrInvalidAccountID) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"account_id must look like 0.0.12345", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create challenge", nil)
			return
		}

		timestampMS := ch.CreatedAt.UnixMilli()
		response.Created(w, challengeResponse{
			ChallengeID: ch.ID,
			Nonce:       ch.Nonce,
			TimestampMS: timestampMS,
			Message:     challenges.SigningMessage(ch.Nonce, timestampMS, ch.AccountID),
			Network:     challenges.Network(),
			ExpiresAt:   ch.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

type challengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
	TimestampMS int64  `json:"timestamp_ms"`
	Message     string `json:"message"`
	Network     string `json:"network"`
	ExpiresAt   string `json:"expires_at"`
}

// NewVerifyHandler returns POST /api/v1/auth/verify: consume the challenge,
// check the wallet signature, and issue an API key.
func NewVerifyHandler(challenges *auth.ChallengeService, signatures *auth.SignatureVerifier, keys *auth.KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChallengeID string   `json:"challenge_id"`
			AccountID   string   `json:"account_id"`
			TimestampMS int64    `json:"timestamp_ms"`
			Signature   string   `json:"signature"`
			PublicKey   string   `json:"public_key"`
			KeyName     string   `json:"key_name"`
			Permissions []string `json:"permissions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.ChallengeID == "" || req.AccountID == "" || req.Signature == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"challenge_id, account_id and signature are required", nil)
			return
		}
		sig, err := decodeSignature(req.Signature)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"signature must be hex or base64 encoded", nil)
			return
		}

		// Consuming first makes the challenge single-use even when the
		// signature turns out to be garbage.
		ch, err := challenges.Consume(r.Context(), req.ChallengeID, req.AccountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				metrics.AuthAttempts.WithLabelValues("expired_challenge").Inc()
				response.Error(w, http.StatusUnauthorized, "CHALLENGE_INVALID",
					"Challenge not found, expired, or already used", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to verify challenge", nil)
			return
		}

		message := challenges.SigningMessage(ch.Nonce, req.TimestampMS, req.AccountID)
		ok := signatures.Verify(r.Context(), auth.SignatureRequest{
			AccountID: req.AccountID,
			Message:   []byte(message),
			Signature: sig,
			PublicKey: req.PublicKey,
		})
		if !ok {
			metrics.AuthAttempts.WithLabelValues("invalid_signature").Inc()
			response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE",
				"Signature verification failed", nil)
			return
		}

		generated, err := keys.Generate(r.Context(), auth.GenerateParams{
			AccountID:   req.AccountID,
			Name:        req.KeyName,
			Permissions: req.Permissions,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to issue API key", nil)
			return
		}

		metrics.AuthAttempts.WithLabelValues("success").Inc()
		response.Created(w, verifyResponse{
			APIKey: generated.PlainKey,
			Key:    keyView(generated.Key, ""),
		})
	}
}

type verifyResponse struct {
	// APIKey is the plaintext key, returned exactly once.
	APIKey string     `json:"api_key"`
	Key    keyPayload `json:"key"`
}

// decodeSignature accepts hex (with optional 0x) or base64.
func decodeSignature(s string) ([]byte, error) {
	trimmed := s
	if len(trimmed) > 2 && trimmed[:2] == "0x" {
		trimmed = trimmed[2:]
	}
	if b, err := hex.DecodeString(trimmed); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

type keyPayload struct {
	ID          string             `json:"id"`
	AccountID   string             `json:"account_id"`
	Name        string             `json:"name"`
	Permissions []string           `json:"permissions"`
	Status      string             `json:"status"`
	RateLimit   int                `json:"rate_limit,omitempty"`
	MaskedKey   string             `json:"masked_key,omitempty"`
	Metadata    models.KeyMetadata `json:"metadata"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time         `json:"last_used_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

func keyView(k *models.APIKey, masked string) keyPayload {
	return keyPayload{
		ID:          k.ID.String(),
		AccountID:   k.AccountID,
		Name:        k.Name,
		Permissions: k.Permissions,
		Status:      k.Status,
		RateLimit:   k.RateLimit,
		MaskedKey:   masked,
		Metadata:    k.Metadata,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
		CreatedAt:   k.CreatedAt,
	}
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	return r.RemoteAddr
}
