package handler

import (
	"net/http"
	"strconv"

	mw "github.com/hashgate-io/hashgate/internal/api/middleware"
	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/store"
)

// NewAnomalyHistoryHandler returns GET /api/v1/anomalies?limit=N: the
// caller's recorded anomaly events, newest first.
func NewAnomalyHistoryHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 100 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be between 1 and 100", nil)
				return
			}
			limit = n
		}

		events, err := s.ListAnomalyEvents(r.Context(), id.AccountID, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load anomaly history", nil)
			return
		}
		response.JSON(w, events)
	}
}
