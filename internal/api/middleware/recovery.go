package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/metrics"
)

// Recovery converts handler panics into a generic 500 so a single bad
// request cannot take down the listener.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				metrics.PanicsRecovered.Inc()

				fields := []any{
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				}
				if id, ok := GetIdentity(r); ok {
					fields = append(fields, "account_id", id.AccountID)
				}
				slog.Error("panic recovered", fields...)

				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
