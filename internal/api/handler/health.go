package handler

import (
	"net/http"

	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/cache"
	"github.com/hashgate-io/hashgate/internal/store"
)

// NewHealthHandler reports liveness of the service and its backing stores.
func NewHealthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		db := "ok"
		if err := s.Ping(r.Context()); err != nil {
			db = "unreachable"
			status = http.StatusServiceUnavailable
		}
		redis := "ok"
		if err := c.Ping(r.Context()); err != nil {
			redis = "unreachable"
			status = http.StatusServiceUnavailable
		}

		body := map[string]string{
			"status":   "healthy",
			"database": db,
			"cache":    redis,
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
			response.Error(w, status, "DEGRADED", "One or more dependencies are unreachable", body)
			return
		}
		response.JSON(w, body)
	}
}
