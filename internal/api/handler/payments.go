package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/hashgate-io/hashgate/internal/api/middleware"
	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/chain"
	"github.com/hashgate-io/hashgate/internal/credits"
	"github.com/hashgate-io/hashgate/internal/metrics"
	"github.com/hashgate-io/hashgate/internal/store"
	"github.com/hashgate-io/hashgate/pkg/models"
)

// NewCreatePaymentHandler returns POST /api/v1/payments: build an unsigned
// treasury transfer for the caller to sign and submit.
func NewCreatePaymentHandler(svc *credits.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}
		var req struct {
			HbarAmount float64 `json:"hbar_amount"`
			Memo       string  `json:"memo"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		intent, err := svc.CreatePaymentTransaction(r.Context(), id.AccountID, req.HbarAmount, req.Memo)
		if err != nil {
			if errors.Is(err, credits.ErrBelowMinimum) {
				response.Error(w, http.StatusBadRequest, "AMOUNT_TOO_SMALL", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create payment transaction", nil)
			return
		}
		response.Created(w, intent)
	}
}

// NewVerifyPaymentHandler returns POST /api/v1/payments/{txID}/verify.
// Returns processed=false while the transaction is not yet visible on the
// mirror node; clients poll.
func NewVerifyPaymentHandler(svc *credits.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := mw.GetIdentity(r); !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}
		txID := chi.URLParam(r, "txID")
		if txID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "transaction id is required", nil)
			return
		}

		processed, err := svc.VerifyAndProcessPayment(r.Context(), txID)
		if err != nil {
			if errors.Is(err, chain.ErrUnreachable) {
				response.Error(w, http.StatusBadGateway, "CHAIN_UNAVAILABLE",
					"Mirror node is unreachable, try again later", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to verify payment", nil)
			return
		}

		payment := paymentStatus(r, svc, txID)
		if processed {
			metrics.PaymentsProcessed.WithLabelValues(models.PaymentCompleted).Inc()
			if payment != nil {
				metrics.CreditsPurchased.Add(float64(payment.CreditsAllocated))
			}
		}
		response.JSON(w, map[string]any{
			"processed": processed,
			"payment":   payment,
		})
	}
}

// paymentStatus is a best-effort read of the payment row for the response
// body; verification outcome does not depend on it.
func paymentStatus(r *http.Request, svc *credits.Service, txID string) *models.HbarPayment {
	p, err := svc.GetPayment(r.Context(), txID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return p
}
