package mockapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/kora-agent-sdk/internal/policy"
	"github.com/xela07ax/kora-agent-sdk/kora"
)

const testAdminKey = "admin_secret"

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	secret string
	key    *kora.AgentKey
}

func newTestEnv(t *testing.T, cfg policy.Config) *testEnv {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	require.NoError(t, err)

	srv, err := NewServer(Config{
		AdminKeyHash:    string(hash),
		ScanTokenSecret: []byte("scan-secret"),
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	secret, publicKey, err := kora.MintAgentKey("agent_test")
	require.NoError(t, err)
	srv.RegisterAgent("agent_test", publicKey)
	srv.CreateMandate("mandate_test", cfg)

	key, err := kora.ParseAgentKey(secret)
	require.NoError(t, err)

	return &testEnv{srv: srv, http: ts, secret: secret, key: key}
}

func defaultPolicy() policy.Config {
	return policy.Config{
		DailyLimitCents:   1_000_000,
		MonthlyLimitCents: 5_000_000,
		Currency:          "EUR",
	}
}

// signedAuthorize строит и подписывает запрос так же, как это делает SDK.
func (env *testEnv) signedAuthorize(t *testing.T, amountCents int64, currency, vendor string, extraHeaders map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	body := map[string]any{
		"intent_id":    uuid.New().String(),
		"agent_id":     env.key.AgentID,
		"mandate_id":   "mandate_test",
		"amount_cents": amountCents,
		"currency":     currency,
		"vendor_id":    vendor,
		"nonce":        uuid.New().String(),
		"ttl_seconds":  int64(300),
	}

	signed := kora.BuildSignedFields(kora.SignedFieldParams{
		IntentID:    body["intent_id"].(string),
		AgentID:     env.key.AgentID,
		MandateID:   "mandate_test",
		AmountCents: amountCents,
		Currency:    currency,
		VendorID:    vendor,
		Nonce:       body["nonce"].(string),
		TTLSeconds:  300,
	})
	canonical, err := kora.Canonicalize(signed)
	require.NoError(t, err)
	signature := kora.SignMessage(canonical, env.key.PrivateKey)

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/v1/authorize", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAgentID, env.key.AgentID)
	req.Header.Set(headerSignature, signature)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp, raw
}

func TestAuthorizeApproved(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	resp, raw := env.signedAuthorize(t, 5000, "EUR", "aws", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "APPROVED", raw["decision"])
	assert.Equal(t, "OK", raw["reason_code"])
	assert.Equal(t, float64(1), raw["mandate_version"])
	assert.Equal(t, true, raw["executable"])
	assert.NotEmpty(t, raw["decision_id"])
	assert.NotEmpty(t, raw["expires_at"])
	assert.Contains(t, raw, "notary_seal")
	assert.Contains(t, raw, "evaluation_trace")

	limits := raw["limits_after_approval"].(map[string]any)
	assert.Equal(t, float64(995_000), limits["daily_remaining_cents"])
}

func TestAuthorizeSealVerifies(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	_, raw := env.signedAuthorize(t, 5000, "EUR", "aws", nil)
	res := kora.ParseResponse(raw)

	engine, err := kora.NewEngine(env.secret)
	require.NoError(t, err)

	assert.True(t, engine.VerifySeal(res, env.srv.NotaryPublicKey()))
	// Чужой ключ — провал
	_, otherKey, err := kora.MintAgentKey("other")
	require.NoError(t, err)
	assert.False(t, engine.VerifySeal(res, otherKey))
}

func TestAuthorizeDeniedOverLimit(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	_, raw := env.signedAuthorize(t, 900_000, "EUR", "aws", nil)
	require.Equal(t, "APPROVED", raw["decision"])

	_, raw = env.signedAuthorize(t, 200_000, "EUR", "aws", nil)
	require.Equal(t, "DENIED", raw["decision"])
	assert.Equal(t, "DAILY_LIMIT_EXCEEDED", raw["reason_code"])
	assert.Equal(t, false, raw["executable"])

	denial := raw["denial"].(map[string]any)
	actionable := denial["actionable"].(map[string]any)
	assert.Equal(t, float64(100_000), actionable["available_cents"])

	limits := raw["limits_current"].(map[string]any)
	assert.Equal(t, float64(900_000), limits["daily_spent_cents"])

	// Отказ не тронул счетчики
	_, raw = env.signedAuthorize(t, 100_000, "EUR", "aws", nil)
	assert.Equal(t, "APPROVED", raw["decision"])
}

func TestAuthorizeUnknownAgent(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	otherSecret, _, err := kora.MintAgentKey("agent_unknown")
	require.NoError(t, err)
	otherKey, err := kora.ParseAgentKey(otherSecret)
	require.NoError(t, err)
	env.key = otherKey

	resp, raw := env.signedAuthorize(t, 5000, "EUR", "aws", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errObj := raw["error"].(map[string]any)
	assert.Equal(t, "UNKNOWN_AGENT", errObj["code"])
}

func TestAuthorizeBadSignature(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	// Ключ другого агента под тем же agent_id — подпись не сойдется
	otherSecret, _, err := kora.MintAgentKey("agent_test")
	require.NoError(t, err)
	otherKey, err := kora.ParseAgentKey(otherSecret)
	require.NoError(t, err)
	env.key = otherKey

	resp, raw := env.signedAuthorize(t, 5000, "EUR", "aws", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errObj := raw["error"].(map[string]any)
	assert.Equal(t, "INVALID_SIGNATURE", errObj["code"])
}

func TestAuthorizeRevokedMandate(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	env.srv.RevokeMandate("mandate_test")

	resp, raw := env.signedAuthorize(t, 5000, "EUR", "aws", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	errObj := raw["error"].(map[string]any)
	assert.Equal(t, "MANDATE_REVOKED", errObj["code"])
}

func TestAuthorizeSimulatedDenial(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	// Без админского ключа — отказ в симуляции
	resp, _ := env.signedAuthorize(t, 5000, "EUR", "aws", map[string]string{
		headerSimulate: "DAILY_LIMIT_EXCEEDED",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// С валидным ключом — форсированный DENIED, счетчики не тронуты
	resp, raw := env.signedAuthorize(t, 5000, "EUR", "aws", map[string]string{
		headerSimulate:  "DAILY_LIMIT_EXCEEDED",
		"Authorization": "Bearer " + testAdminKey,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENIED", raw["decision"])
	assert.Equal(t, "DAILY_LIMIT_EXCEEDED", raw["reason_code"])
	assert.Equal(t, true, raw["simulated"])

	limits := raw["limits_current"].(map[string]any)
	assert.Equal(t, float64(0), limits["daily_spent_cents"])
}

func TestTraceEndpoint(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	_, raw := env.signedAuthorize(t, 5000, "EUR", "aws", nil)
	traceURL := raw["trace_url"].(string)

	resp, err := http.Get(env.http.URL + traceURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var trace map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trace))
	steps := trace["steps"].([]any)
	assert.Len(t, steps, 5)

	resp, err = http.Get(env.http.URL + "/v1/traces/trc_missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func (env *testEnv) signedBudget(t *testing.T, mandateID string) (*http.Response, map[string]any) {
	t.Helper()

	body := map[string]any{"mandate_id": mandateID}
	canonical, err := kora.Canonicalize(body)
	require.NoError(t, err)
	signature := kora.SignMessage(canonical, env.key.PrivateKey)

	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/v1/mandates/"+mandateID+"/budget", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(headerAgentID, env.key.AgentID)
	req.Header.Set(headerSignature, signature)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp, raw
}

func TestBudgetEndpoint(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	_, raw := env.signedAuthorize(t, 40_000, "EUR", "aws", nil)
	require.Equal(t, "APPROVED", raw["decision"])

	resp, budget := env.signedBudget(t, "mandate_test")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "EUR", budget["currency"])
	daily := budget["daily"].(map[string]any)
	assert.Equal(t, float64(40_000), daily["spent_cents"])
	assert.Equal(t, float64(960_000), daily["remaining_cents"])
	assert.NotEmpty(t, daily["resets_at"])
}

func TestBudgetRevokedIs404(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	env.srv.RevokeMandate("mandate_test")
	resp, raw := env.signedBudget(t, "mandate_test")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errObj := raw["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errObj["code"])

	// Неизвестный мандат снаружи неотличим от отозванного
	resp, _ = env.signedBudget(t, "mandate_ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScanTokenFlow(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	// Выпуск без админского ключа запрещен
	resp, err := http.Post(env.http.URL+"/v1/auto/tokens", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Выпуск под админским ключом
	req, _ := http.NewRequest(http.MethodPost, env.http.URL+"/v1/auto/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokenResp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokenResp))
	scanToken := tokenResp["scan_token"].(string)
	require.NotEmpty(t, scanToken)

	// Наблюдение с выпущенным токеном проходит
	obsBody, _ := json.Marshal(map[string]any{
		"signal_type": "EXPLICIT_SPEND_INTENT",
		"spend":       map[string]any{"vendor_id": "aws"},
	})
	obsReq, _ := http.NewRequest(http.MethodPost, env.http.URL+"/v1/auto/observe", bytes.NewReader(obsBody))
	obsReq.Header.Set(headerScanToken, scanToken)
	obsResp, err := http.DefaultClient.Do(obsReq)
	require.NoError(t, err)
	obsResp.Body.Close()
	assert.Equal(t, http.StatusOK, obsResp.StatusCode)

	// Мусорный токен — 401
	obsReq, _ = http.NewRequest(http.MethodPost, env.http.URL+"/v1/auto/observe", bytes.NewReader(obsBody))
	obsReq.Header.Set(headerScanToken, "garbage")
	obsResp, err = http.DefaultClient.Do(obsReq)
	require.NoError(t, err)
	obsResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, obsResp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
