package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/hashgate-io/hashgate/internal/api/middleware"
	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/auth"
)

// NewListKeysHandler returns GET /api/v1/keys: all of the caller's keys
// with masked secrets.
func NewListKeysHandler(keys *auth.KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}

		list, err := keys.ListByAccount(r.Context(), id.AccountID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list keys", nil)
			return
		}

		out := make([]keyPayload, 0, len(list))
		for _, k := range list {
			masked, err := keys.MaskedSecret(k)
			if err != nil {
				// Older rows may predate the current encryption secret.
				masked = ""
			}
			out = append(out, keyView(k, masked))
		}
		response.JSON(w, out)
	}
}

// NewRotateKeyHandler returns POST /api/v1/keys/{keyID}/rotate.
func NewRotateKeyHandler(keys *auth.KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid key id", nil)
			return
		}

		generated, err := keys.Rotate(r.Context(), keyID, id.AccountID)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidKey) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND",
					"No active key with that id", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to rotate key", nil)
			return
		}

		response.Created(w, verifyResponse{
			APIKey: generated.PlainKey,
			Key:    keyView(generated.Key, ""),
		})
	}
}

// NewRevokeKeyHandler returns DELETE /api/v1/keys/{keyID}.
func NewRevokeKeyHandler(keys *auth.KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid key id", nil)
			return
		}

		revoked, err := keys.Revoke(r.Context(), keyID, id.AccountID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to revoke key", nil)
			return
		}
		if !revoked {
			response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND",
				"No active key with that id", nil)
			return
		}
		response.JSON(w, map[string]any{"revoked": true, "key_id": keyID})
	}
}
