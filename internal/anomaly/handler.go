package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hashgate-io/hashgate/internal/store"
	"github.com/hashgate-io/hashgate/pkg/models"
)

const (
	historyKeep      = 100
	historyRetention = 30 * 24 * time.Hour
	alertTimeout     = 5 * time.Second
)

// KeySuspender is the slice of the key service the handler needs.
type KeySuspender interface {
	Suspend(ctx context.Context, id uuid.UUID, reason string) error
}

// AlertSink delivers anomaly events to an external endpoint.
// Delivery is best effort and never blocks request handling.
type AlertSink interface {
	Deliver(ctx context.Context, ev *models.AnomalyEvent) error
}

// WebhookSink POSTs events as JSON to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: alertTimeout}}
}

func (w *WebhookSink) Deliver(ctx context.Context, ev *models.AnomalyEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert sink returned %d", resp.StatusCode)
	}
	return nil
}

// Handler persists detected events, notifies the alert sink, and suspends
// the key when an event is severe enough.
type Handler struct {
	store  store.Store
	keys   KeySuspender
	sink   AlertSink // nil disables alerting
	logger *slog.Logger
}

func NewHandler(s store.Store, keys KeySuspender, sink AlertSink, logger *slog.Logger) *Handler {
	return &Handler{store: s, keys: keys, sink: sink, logger: logger}
}

// Handle processes a batch of events from a single analysis pass.
// Persistence and alert failures are logged, not propagated: anomaly
// handling must never fail the request that triggered it.
func (h *Handler) Handle(ctx context.Context, events []*models.AnomalyEvent) {
	for _, ev := range events {
		h.logger.Warn("anomaly detected",
			"type", ev.Type,
			"severity", ev.Severity,
			"api_key_id", ev.APIKeyID,
			"account_id", ev.AccountID,
		)

		if err := h.store.InsertAnomalyEvent(ctx, ev); err != nil {
			h.logger.Error("anomaly event insert failed", "api_key_id", ev.APIKeyID, "error", err)
		} else if _, err := h.store.TrimAnomalyEvents(ctx, ev.APIKeyID, historyKeep, ev.CreatedAt.Add(-historyRetention)); err != nil {
			h.logger.Error("anomaly history trim failed", "api_key_id", ev.APIKeyID, "error", err)
		}

		if h.sink != nil {
			go h.deliver(ev)
		}

		if ev.Severity == models.SeverityHigh {
			reason := fmt.Sprintf("anomaly: %s", ev.Type)
			if err := h.keys.Suspend(ctx, ev.APIKeyID, reason); err != nil {
				h.logger.Error("key suspension failed", "api_key_id", ev.APIKeyID, "error", err)
			} else {
				h.logger.Warn("api key suspended", "api_key_id", ev.APIKeyID, "reason", reason)
			}
		}
	}
}

func (h *Handler) deliver(ev *models.AnomalyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := h.sink.Deliver(ctx, ev); err != nil {
		h.logger.Warn("alert delivery failed", "anomaly_id", ev.ID, "error", err)
	}
}
