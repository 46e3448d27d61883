package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	mw "github.com/hashgate-io/hashgate/internal/api/middleware"
	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/credits"
	"github.com/hashgate-io/hashgate/internal/metrics"
	"github.com/hashgate-io/hashgate/internal/pricing"
)

const defaultHistoryLimit = 50

// NewBalanceHandler returns GET /api/v1/credits/balance.
func NewBalanceHandler(svc *credits.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}
		balance, err := svc.GetCreditBalance(r.Context(), id.AccountID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load balance", nil)
			return
		}
		response.JSON(w, balance)
	}
}

// NewCreditHistoryHandler returns GET /api/v1/credits/history?limit=N.
func NewCreditHistoryHandler(svc *credits.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}
		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 500 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be between 1 and 500", nil)
				return
			}
			limit = n
		}

		history, err := svc.GetCreditHistory(r.Context(), id.AccountID, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load history", nil)
			return
		}
		response.Collection(w, history, response.PaginationMeta{
			Page:  1,
			Limit: limit,
			Total: len(history),
		})
	}
}

type operationRequest struct {
	Operation     string  `json:"operation"`
	Network       string  `json:"network"`
	PayloadSizeKB float64 `json:"payload_size_kb"`
	IsBulk        bool    `json:"is_bulk"`
}

func (req *operationRequest) costContext() pricing.CostContext {
	return pricing.CostContext{
		Network:       req.Network,
		PayloadSizeKB: req.PayloadSizeKB,
		IsBulk:        req.IsBulk,
	}
}

// NewCheckCreditsHandler returns POST /api/v1/credits/check: a read-only
// affordability check for an operation.
func NewCheckCreditsHandler(svc *credits.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}
		var req operationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Operation == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "operation is required", nil)
			return
		}

		check, err := svc.CheckSufficientCredits(r.Context(), id.AccountID, req.Operation, req.costContext())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to check credits", nil)
			return
		}
		response.JSON(w, check)
	}
}

// NewConsumeCreditsHandler returns POST /api/v1/credits/consume: debit the
// cost of one metered operation.
func NewConsumeCreditsHandler(svc *credits.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}
		var req struct {
			operationRequest
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Operation == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "operation is required", nil)
			return
		}
		if req.Description == "" {
			req.Description = req.Operation
		}

		cc := req.costContext()
		check, err := svc.CheckSufficientCredits(r.Context(), id.AccountID, req.Operation, cc)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to price operation", nil)
			return
		}

		consumed, err := svc.ConsumeCredits(r.Context(), id.AccountID, req.Operation, req.Description, cc)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to consume credits", nil)
			return
		}
		if !consumed {
			response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS",
				"Not enough credits for this operation", check)
			return
		}

		metrics.CreditsConsumed.Add(float64(check.RequiredCredits))
		balance, err := svc.GetCreditBalance(r.Context(), id.AccountID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load balance", nil)
			return
		}
		response.JSON(w, map[string]any{
			"consumed":  true,
			"credits":   check.RequiredCredits,
			"balance":   balance.Balance,
			"operation": req.Operation,
		})
	}
}

// NewPricingHandler returns GET /api/v1/pricing: the active tariff.
func NewPricingHandler(engine *pricing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, engine.Tariff())
	}
}
