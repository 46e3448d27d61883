package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the resolved caller attached to authenticated requests.
type Identity struct {
	KeyID       uuid.UUID
	AccountID   string
	Permissions []string

	// RateLimit is the key's own per-minute limit; 0 means the instance
	// default applies.
	RateLimit int
}

// HasPermission reports whether the identity carries the named permission.
// Admin implies everything.
func (id *Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm || p == "admin" {
			return true
		}
	}
	return false
}

func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func GetIdentity(r *http.Request) (*Identity, bool) {
	id, ok := r.Context().Value(identityKey).(*Identity)
	return id, ok
}
