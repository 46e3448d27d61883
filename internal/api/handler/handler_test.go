package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mw "github.com/hashgate-io/hashgate/internal/api/middleware"
	"github.com/hashgate-io/hashgate/internal/auth"
	"github.com/hashgate-io/hashgate/internal/cache"
	"github.com/hashgate-io/hashgate/internal/chain"
	"github.com/hashgate-io/hashgate/internal/credits"
	"github.com/hashgate-io/hashgate/internal/pricing"
	"github.com/hashgate-io/hashgate/internal/store/storetest"
	"github.com/hashgate-io/hashgate/pkg/models"
)

const (
	testAccount  = "0.0.1234"
	testTreasury = "0.0.800"
)

// fakeChain serves canned mirror-node answers for handler tests.
type fakeChain struct {
	mu     sync.Mutex
	pubKey string
	rate   float64
	txs    map[string]*chain.TransactionInfo
	err    error
}

func (f *fakeChain) AccountPublicKey(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.pubKey, nil
}

func (f *fakeChain) Transaction(_ context.Context, id string) (*chain.TransactionInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeChain) HbarUSDRate(context.Context) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.rate, nil
}

// settle records a successful transfer of hbar to the treasury.
func (f *fakeChain) settle(txID string, hbar float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txs == nil {
		f.txs = make(map[string]*chain.TransactionInfo)
	}
	f.txs[txID] = &chain.TransactionInfo{
		TransactionID: txID,
		Result:        "SUCCESS",
		PayerAccount:  testAccount,
		Transfers: []chain.Transfer{
			{Account: testAccount, Tinybars: -int64(hbar * 1e8)},
			{Account: testTreasury, Tinybars: int64(hbar * 1e8)},
		},
	}
}

type testEnv struct {
	fake       *storetest.Fake
	chain      *fakeChain
	cache      *cache.RedisCache
	keys       *auth.KeyService
	challenges *auth.ChallengeService
	signatures *auth.SignatureVerifier
	credits    *credits.Service
	pricing    *pricing.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	fake := storetest.New()
	ch := &fakeChain{rate: 0.10}
	keys, err := auth.NewKeyService(fake, []byte("test-master-secret-0123456789"))
	require.NoError(t, err)
	engine := pricing.NewEngine(pricing.Default())

	env := &testEnv{
		fake:       fake,
		chain:      ch,
		cache:      cache.NewRedisCacheFromClient(client),
		keys:       keys,
		challenges: auth.NewChallengeService(fake, "testnet"),
		signatures: auth.NewSignatureVerifier(ch),
		pricing:    engine,
	}
	env.credits = credits.NewService(fake, env.cache, ch, engine, credits.Config{
		TreasuryAccount:     testTreasury,
		MinPaymentHbar:      1,
		FallbackHbarUSDRate: 0.05,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return env
}

func identityCtx(ctx context.Context, accountID string) context.Context {
	return mw.SetIdentity(ctx, &mw.Identity{
		KeyID:       uuid.New(),
		AccountID:   accountID,
		Permissions: []string{models.PermissionAdmin},
	})
}

func doJSON(t *testing.T, h http.Handler, method, target, accountID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if accountID != "" {
		req = req.WithContext(identityCtx(req.Context(), accountID))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

// signMessage signs using the Hedera wallet message convention.
func signMessage(priv hedera.PrivateKey, msg string) string {
	prefixed := fmt.Sprintf("\x19Hedera Signed Message:\n%d%s", len(msg), msg)
	return "0x" + fmt.Sprintf("%x", priv.Sign([]byte(prefixed)))
}

func requestChallenge(t *testing.T, env *testEnv) challengeResponse {
	t.Helper()
	w := doJSON(t, NewChallengeHandler(env.challenges), http.MethodPost, "/api/v1/auth/challenge", "",
		map[string]string{"account_id": testAccount})
	require.Equal(t, http.StatusCreated, w.Code)
	var ch challengeResponse
	decodeData(t, w, &ch)
	return ch
}

func TestChallengeVerifyIssuesKey(t *testing.T) {
	env := newTestEnv(t)
	priv, err := hedera.PrivateKeyGenerateEd25519()
	require.NoError(t, err)
	env.chain.pubKey = priv.PublicKey().String()

	ch := requestChallenge(t, env)
	assert.NotEmpty(t, ch.Nonce)
	assert.Equal(t, "testnet", ch.Network)
	assert.Contains(t, ch.Message, ch.Nonce)

	verify := NewVerifyHandler(env.challenges, env.signatures, env.keys)
	w := doJSON(t, verify, http.MethodPost, "/api/v1/auth/verify", "", map[string]any{
		"challenge_id": ch.ChallengeID,
		"account_id":   testAccount,
		"timestamp_ms": ch.TimestampMS,
		"signature":    signMessage(priv, ch.Message),
		"key_name":     "ci",
		"permissions":  []string{models.PermissionRead, models.PermissionWrite},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp verifyResponse
	decodeData(t, w, &resp)
	assert.True(t, strings.HasPrefix(resp.APIKey, "hg_"))
	assert.Equal(t, testAccount, resp.Key.AccountID)
	assert.Equal(t, "ci", resp.Key.Name)

	// The returned plaintext key authenticates.
	key, err := env.keys.Verify(context.Background(), resp.APIKey)
	require.NoError(t, err)
	assert.Equal(t, testAccount, key.AccountID)
}

func TestVerifyConsumesChallengeOnBadSignature(t *testing.T) {
	env := newTestEnv(t)
	priv, err := hedera.PrivateKeyGenerateEd25519()
	require.NoError(t, err)
	env.chain.pubKey = priv.PublicKey().String()

	ch := requestChallenge(t, env)
	verify := NewVerifyHandler(env.challenges, env.signatures, env.keys)

	body := map[string]any{
		"challenge_id": ch.ChallengeID,
		"account_id":   testAccount,
		"timestamp_ms": ch.TimestampMS,
		"signature":    "deadbeef",
	}
	w := doJSON(t, verify, http.MethodPost, "/api/v1/auth/verify", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errorCode(t, w))

	// The challenge was burned by the failed attempt; a correct signature
	// can no longer redeem it.
	body["signature"] = signMessage(priv, ch.Message)
	w = doJSON(t, verify, http.MethodPost, "/api/v1/auth/verify", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "CHALLENGE_INVALID", errorCode(t, w))
}

func TestChallengeRejectsMalformedAccount(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, NewChallengeHandler(env.challenges), http.MethodPost, "/api/v1/auth/challenge", "",
		map[string]string{"account_id": "not-an-account"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, w))
}

func TestListKeysMasksSecrets(t *testing.T) {
	env := newTestEnv(t)
	generated, err := env.keys.Generate(context.Background(), auth.GenerateParams{
		AccountID: testAccount,
		Name:      "primary",
	})
	require.NoError(t, err)

	w := doJSON(t, NewListKeysHandler(env.keys), http.MethodGet, "/api/v1/keys", testAccount, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list []keyPayload
	decodeData(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "primary", list[0].Name)
	assert.NotEmpty(t, list[0].MaskedKey)
	assert.NotEqual(t, generated.PlainKey, list[0].MaskedKey)
	assert.NotContains(t, w.Body.String(), generated.PlainKey)
}

func keyRouter(env *testEnv) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/keys/{keyID}/rotate", NewRotateKeyHandler(env.keys))
	r.Delete("/api/v1/keys/{keyID}", NewRevokeKeyHandler(env.keys))
	return r
}

func TestRotateKey(t *testing.T) {
	env := newTestEnv(t)
	generated, err := env.keys.Generate(context.Background(), auth.GenerateParams{AccountID: testAccount})
	require.NoError(t, err)

	r := keyRouter(env)
	w := doJSON(t, r, http.MethodPost,
		"/api/v1/keys/"+generated.Key.ID.String()+"/rotate", testAccount, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp verifyResponse
	decodeData(t, w, &resp)
	assert.NotEqual(t, generated.PlainKey, resp.APIKey)

	_, err = env.keys.Verify(context.Background(), generated.PlainKey)
	assert.ErrorIs(t, err, auth.ErrInvalidKey)
	_, err = env.keys.Verify(context.Background(), resp.APIKey)
	assert.NoError(t, err)
}

func TestRotateUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, keyRouter(env), http.MethodPost,
		"/api/v1/keys/"+uuid.NewString()+"/rotate", testAccount, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "KEY_NOT_FOUND", errorCode(t, w))
}

func TestRevokeKey(t *testing.T) {
	env := newTestEnv(t)
	generated, err := env.keys.Generate(context.Background(), auth.GenerateParams{AccountID: testAccount})
	require.NoError(t, err)

	r := keyRouter(env)
	target := "/api/v1/keys/" + generated.Key.ID.String()
	w := doJSON(t, r, http.MethodDelete, target, testAccount, nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, err = env.keys.Verify(context.Background(), generated.PlainKey)
	assert.ErrorIs(t, err, auth.ErrInvalidKey)

	// Already revoked.
	w = doJSON(t, r, http.MethodDelete, target, testAccount, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBalanceStartsEmpty(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, NewBalanceHandler(env.credits), http.MethodGet, "/api/v1/credits/balance", testAccount, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var balance models.CreditBalance
	decodeData(t, w, &balance)
	assert.Zero(t, balance.Balance)
}

func TestCheckCreditsFreeOperation(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, NewCheckCreditsHandler(env.credits), http.MethodPost, "/api/v1/credits/check",
		testAccount, map[string]string{"operation": "health_check"})
	require.Equal(t, http.StatusOK, w.Code)

	var check credits.SufficiencyCheck
	decodeData(t, w, &check)
	assert.True(t, check.Sufficient)
	assert.Zero(t, check.RequiredCredits)
}

func TestConsumeWithoutBalance(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, NewConsumeCreditsHandler(env.credits), http.MethodPost, "/api/v1/credits/consume",
		testAccount, map[string]string{"operation": "transfer_hbar"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "INSUFFICIENT_CREDITS", errorCode(t, w))
}

func paymentRouter(env *testEnv) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/payments", NewCreatePaymentHandler(env.credits))
	r.Post("/api/v1/payments/{txID}/verify", NewVerifyPaymentHandler(env.credits))
	return r
}

func TestPaymentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	r := paymentRouter(env)

	w := doJSON(t, r, http.MethodPost, "/api/v1/payments", testAccount,
		map[string]any{"hbar_amount": 10.0, "memo": "top-up"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var intent credits.PaymentIntent
	decodeData(t, w, &intent)
	require.NotEmpty(t, intent.TransactionID)
	require.NotEmpty(t, intent.TxBytes)
	// 10 HBAR at $0.10 and 100 credits/USD.
	assert.Equal(t, int64(100), intent.ExpectedCredits)

	verifyTarget := "/api/v1/payments/" + intent.TransactionID + "/verify"

	// Not visible on the mirror node yet.
	w = doJSON(t, r, http.MethodPost, verifyTarget, testAccount, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result struct {
		Processed bool                `json:"processed"`
		Payment   *models.HbarPayment `json:"payment"`
	}
	decodeData(t, w, &result)
	assert.False(t, result.Processed)
	require.NotNil(t, result.Payment)
	assert.Equal(t, models.PaymentPending, result.Payment.Status)

	env.chain.settle(intent.TransactionID, 10.0)

	w = doJSON(t, r, http.MethodPost, verifyTarget, testAccount, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &result)
	assert.True(t, result.Processed)
	require.NotNil(t, result.Payment)
	assert.Equal(t, models.PaymentCompleted, result.Payment.Status)
	assert.Equal(t, int64(100), result.Payment.CreditsAllocated)

	// Credits landed on the balance.
	balance, err := env.credits.GetCreditBalance(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)

	// Re-verifying does not double-credit.
	w = doJSON(t, r, http.MethodPost, verifyTarget, testAccount, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &result)
	assert.False(t, result.Processed)
	balance, err = env.credits.GetCreditBalance(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
}

func TestCreatePaymentBelowMinimum(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, paymentRouter(env), http.MethodPost, "/api/v1/payments", testAccount,
		map[string]any{"hbar_amount": 0.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "AMOUNT_TOO_SMALL", errorCode(t, w))
}

func TestVerifyPaymentChainUnreachable(t *testing.T) {
	env := newTestEnv(t)
	r := paymentRouter(env)

	w := doJSON(t, r, http.MethodPost, "/api/v1/payments", testAccount,
		map[string]any{"hbar_amount": 5.0})
	require.Equal(t, http.StatusCreated, w.Code)
	var intent credits.PaymentIntent
	decodeData(t, w, &intent)

	env.chain.err = chain.ErrUnreachable
	w = doJSON(t, r, http.MethodPost, "/api/v1/payments/"+intent.TransactionID+"/verify", testAccount, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "CHAIN_UNAVAILABLE", errorCode(t, w))
}

func TestPricingHandler(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, NewPricingHandler(env.pricing), http.MethodGet, "/api/v1/pricing", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tariff pricing.Tariff
	decodeData(t, w, &tariff)
	assert.NotEmpty(t, tariff.Operations)
	assert.Contains(t, w.Body.String(), "transfer_hbar")
}

func TestHealthDegradedWhenCacheDown(t *testing.T) {
	fake := storetest.New()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	h := NewHealthHandler(fake, cache.NewRedisCacheFromClient(client))

	w := doJSON(t, h, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	mr.Close()
	w = doJSON(t, h, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "DEGRADED", errorCode(t, w))
}

func TestAnomalyHistoryLimitValidation(t *testing.T) {
	env := newTestEnv(t)
	h := NewAnomalyHistoryHandler(env.fake)

	w := doJSON(t, h, http.MethodGet, "/api/v1/anomalies?limit=0", testAccount, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/v1/anomalies?limit=5", testAccount, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlersRequireIdentity(t *testing.T) {
	env := newTestEnv(t)
	handlers := map[string]http.Handler{
		"balance":   NewBalanceHandler(env.credits),
		"history":   NewCreditHistoryHandler(env.credits),
		"check":     NewCheckCreditsHandler(env.credits),
		"consume":   NewConsumeCreditsHandler(env.credits),
		"keys":      NewListKeysHandler(env.keys),
		"payments":  NewCreatePaymentHandler(env.credits),
		"anomalies": NewAnomalyHistoryHandler(env.fake),
	}
	for name, h := range handlers {
		w := doJSON(t, h, http.MethodPost, "/", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
}
