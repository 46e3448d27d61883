package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashgate-io/hashgate/internal/anomaly"
	"github.com/hashgate-io/hashgate/internal/auth"
	"github.com/hashgate-io/hashgate/internal/metrics"
	"github.com/hashgate-io/hashgate/pkg/models"
)

const analysisTimeout = 10 * time.Second

// Usage records an audit row for every authenticated call and feeds the
// anomaly pipeline. Both run after the response is written, detached from
// the request context, so a slow detector never delays the caller.
type Usage struct {
	keys     *auth.KeyService
	detector *anomaly.Detector
	handler  *anomaly.Handler
}

// NewUsage creates the Usage middleware.
func NewUsage(keys *auth.KeyService, detector *anomaly.Detector, handler *anomaly.Handler) *Usage {
	return &Usage{keys: keys, detector: detector, handler: handler}
}

// Track wraps the handler, capturing status and latency for the audit row.
func (u *Usage) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		usage := &models.APIKeyUsage{
			APIKeyID:       id.KeyID,
			Endpoint:       r.URL.Path,
			Method:         r.Method,
			StatusCode:     rec.status,
			ResponseTimeMS: int(time.Since(start).Milliseconds()),
			IP:             clientIP(r),
			UserAgent:      r.UserAgent(),
		}

		go u.analyze(usage, id.AccountID)
	})
}

func (u *Usage) analyze(usage *models.APIKeyUsage, accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), analysisTimeout)
	defer cancel()

	u.keys.LogUsage(ctx, usage)

	events := u.detector.Analyze(ctx, usage.APIKeyID, accountID)
	for _, ev := range events {
		metrics.AnomalyEvents.WithLabelValues(ev.Type, ev.Severity).Inc()
	}
	if len(events) > 0 {
		u.handler.Handle(ctx, events)
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
