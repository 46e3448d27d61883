package middleware

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/auth"
	"github.com/hashgate-io/hashgate/internal/metrics"
)

// identityTTL bounds how long a resolved key stays cached. A revoked or
// rotated key can keep working from cache until its entry expires; that
// staleness window is accepted and bounded by this TTL.
const identityTTL = 5 * time.Minute

// sweepThreshold triggers an expired-entry sweep on insert so the cache
// cannot grow without bound under key churn.
const sweepThreshold = 10_000

// Auth provides authentication and permission-checking middleware.
type Auth struct {
	keys *auth.KeyService
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]cachedIdentity // keyed by lookup hash, never plaintext
}

type cachedIdentity struct {
	identity Identity
	expires  time.Time
}

// NewAuth creates the Auth middleware.
func NewAuth(keys *auth.KeyService) *Auth {
	return &Auth{keys: keys, ttl: identityTTL, cache: make(map[string]cachedIdentity)}
}

// Authenticate validates the Bearer key, resolves it to an identity
// (through a short-lived cache), and attaches the identity to the request
// context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			metrics.AuthAttempts.WithLabelValues("missing_key").Inc()
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		hash := auth.HashKey(rawKey)
		if id, ok := a.lookup(hash); ok {
			next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), id)))
			return
		}

		key, err := a.keys.Verify(r.Context(), rawKey)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidKey) {
				metrics.AuthAttempts.WithLabelValues("invalid_key").Inc()
				response.Error(w, http.StatusUnauthorized,
					"INVALID_TOKEN", "Invalid API key", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		id := &Identity{
			KeyID:       key.ID,
			AccountID:   key.AccountID,
			Permissions: key.Permissions,
			RateLimit:   key.RateLimit,
		}
		a.store(hash, id)
		metrics.AuthAttempts.WithLabelValues("success").Inc()

		next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), id)))
	})
}

// RequirePermission returns middleware that checks whether the
// authenticated key carries the given permission.
func (a *Auth) RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentity(r)
			if !ok {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_TOKEN", "Not authenticated", nil)
				return
			}
			if !id.HasPermission(perm) {
				response.Error(w, http.StatusForbidden,
					"FORBIDDEN", "Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Auth) lookup(hash string) (*Identity, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.cache[hash]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	id := entry.identity
	return &id, true
}

func (a *Auth) store(hash string, id *Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.cache) >= sweepThreshold {
		now := time.Now()
		for k, entry := range a.cache {
			if now.After(entry.expires) {
				delete(a.cache, k)
			}
		}
	}
	a.cache[hash] = cachedIdentity{identity: *id, expires: time.Now().Add(a.ttl)}
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
