package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]any{"account_id": "0.0.1234", "balance": 250})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := decode(t, w)
	data := body["data"].(map[string]any)
	assert.Equal(t, "0.0.1234", data["account_id"])
	assert.Equal(t, float64(250), data["balance"])
	_, hasMeta := body["meta"]
	assert.False(t, hasMeta, "plain payloads should not carry a meta block")
}

func TestCreated(t *testing.T) {
	w := httptest.NewRecorder()
	response.Created(w, map[string]string{"challenge_id": "ch-1"})

	assert.Equal(t, http.StatusCreated, w.Code)

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "ch-1", data["challenge_id"])
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	history := []map[string]any{
		{"tx_type": "purchase", "amount": 100},
		{"tx_type": "consumption", "amount": -5},
	}
	response.Collection(w, history, response.PaginationMeta{
		Page: 1, Limit: 20, Total: 42, HasNext: true,
	})

	assert.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Len(t, body["data"].([]any), 2)

	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), meta["page"])
	assert.Equal(t, float64(20), meta["limit"])
	assert.Equal(t, float64(42), meta["total"])
	assert.Equal(t, true, meta["has_next"])
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS",
		"Balance too low for operation", map[string]any{
			"required":  50,
			"available": 12,
		})

	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "INSUFFICIENT_CREDITS", errObj["code"])
	assert.Equal(t, "Balance too low for operation", errObj["message"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, float64(50), details["required"])
}

func TestError_NoDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)

	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "KEY_NOT_FOUND", errObj["code"])
	_, hasDetails := errObj["details"]
	assert.False(t, hasDetails)
}
