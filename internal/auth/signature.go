package auth

import (
	"context"
	"fmt"
	"log/slog"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"

	"github.com/hashgate-io/hashgate/internal/chain"
)

// SignatureRequest carries everything needed to check that a signature
// over a challenge message was produced by the key controlling AccountID.
// PublicKey is optional; when present it is cross-checked against the
// network-resolved key rather than trusted.
type SignatureRequest struct {
	AccountID string
	Message   []byte
	Signature []byte
	PublicKey string
}

// SignatureVerifier validates account-controlled signatures using the
// network-resolved public key.
type SignatureVerifier struct {
	chain chain.Client
}

// NewSignatureVerifier creates a SignatureVerifier backed by the given
// chain client.
func NewSignatureVerifier(c chain.Client) *SignatureVerifier {
	return &SignatureVerifier{chain: c}
}

// Verify reports whether the signature is valid for the account. Any
// failure — network error, unknown account, malformed key or signature,
// key mismatch — returns false; this method never propagates an error to
// the caller.
func (v *SignatureVerifier) Verify(ctx context.Context, req SignatureRequest) bool {
	networkKeyStr, err := v.chain.AccountPublicKey(ctx, req.AccountID)
	if err != nil {
		slog.Warn("signature check: account key lookup failed",
			"account_id", req.AccountID, "error", err)
		return false
	}
	networkKey, err := hedera.PublicKeyFromString(networkKeyStr)
	if err != nil {
		slog.Warn("signature check: unparseable network key",
			"account_id", req.AccountID, "error", err)
		return false
	}

	if req.PublicKey != "" {
		supplied, err := hedera.PublicKeyFromString(req.PublicKey)
		if err != nil {
			return false
		}
		if supplied.StringRaw() != networkKey.StringRaw() {
			slog.Warn("signature check: supplied key does not match network key",
				"account_id", req.AccountID)
			return false
		}
	}

	return networkKey.Verify(prefixedMessage(req.Message), req.Signature)
}

// prefixedMessage applies the Hedera wallet message-signing convention.
func prefixedMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Hedera Signed Message:\n%d", len(msg))
	out := make([]byte, 0, len(prefix)+len(msg))
	out = append(out, prefix...)
	return append(out, msg...)
}
