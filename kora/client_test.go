package kora

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport проигрывает заранее заданные исходы попыток и
// записывает все тела запросов для проверки идемпотентности.
type scriptedTransport struct {
	mu      sync.Mutex
	bodies  []map[string]any
	headers []http.Header
	script  []func() (*http.Response, error)
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, _ := io.ReadAll(req.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)
	s.bodies = append(s.bodies, body)
	s.headers = append(s.headers, req.Header.Clone())

	if len(s.script) == 0 {
		return nil, fmt.Errorf("unexpected extra attempt %d", len(s.bodies))
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next()
}

func jsonResponse(status int, body map[string]any) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		data, _ := json.Marshal(body)
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(bytes.NewReader(data)),
		}, nil
	}
}

func netFailure() func() (*http.Response, error) {
	return func() (*http.Response, error) {
		return nil, fmt.Errorf("connection refused")
	}
}

func newTestEngine(t *testing.T, rt http.RoundTripper, opts ...Option) (*Engine, string) {
	t.Helper()
	secret, publicKey, err := MintAgentKey("agent_test")
	require.NoError(t, err)

	base := []Option{
		WithBaseURL("http://kora.test"),
		WithHTTPClient(&http.Client{Transport: rt}),
	}
	engine, err := NewEngine(secret, append(base, opts...)...)
	require.NoError(t, err)
	return engine, publicKey
}

func approvedBody() map[string]any {
	return map[string]any{
		"decision":     "APPROVED",
		"decision_id":  "dec_1",
		"reason_code":  "OK",
		"amount_cents": float64(5000),
		"currency":     "EUR",
		"vendor_id":    "aws",
	}
}

func TestAuthorizeRetriesNetworkFailures(t *testing.T) {
	rt := &scriptedTransport{script: []func() (*http.Response, error){
		netFailure(),
		netFailure(),
		jsonResponse(200, approvedBody()),
	}}
	engine, publicKey := newTestEngine(t, rt, WithMaxRetries(2))

	res, err := engine.Authorize(context.Background(), AuthorizeRequest{
		Mandate: "mandate_1", AmountCents: 5000, Currency: "EUR", Vendor: "aws",
	})
	require.NoError(t, err)
	assert.True(t, res.Approved())
	require.Len(t, rt.bodies, 3)

	// intent_id переживает все попытки без изменений, nonce свежий на каждой
	intentID := rt.bodies[0]["intent_id"]
	nonces := map[any]bool{}
	for i, body := range rt.bodies {
		assert.Equal(t, intentID, body["intent_id"], "attempt %d", i+1)
		nonces[body["nonce"]] = true
	}
	assert.Len(t, nonces, 3)

	// Каждая попытка подписана валидно относительно своего nonce
	for i, body := range rt.bodies {
		canonical, err := Canonicalize(rebuildAttemptFields(body))
		require.NoError(t, err)
		sig := rt.headers[i].Get("X-Agent-Signature")
		assert.True(t, VerifySignature(canonical, sig, publicKey), "attempt %d", i+1)
	}
}

// rebuildAttemptFields повторяет серверную пересборку подписываемого
// поддерева из тела запроса.
func rebuildAttemptFields(body map[string]any) map[string]any {
	signed := map[string]any{}
	for _, k := range []string{"intent_id", "agent_id", "mandate_id", "amount_cents", "currency", "vendor_id", "nonce", "ttl_seconds"} {
		signed[k] = body[k]
	}
	if pi, ok := body["payment_instruction"]; ok {
		signed["payment_instruction"] = pi
	}
	if meta, ok := body["metadata"]; ok {
		signed["metadata"] = meta
	}
	return signed
}

func TestAuthorizeAPIErrorNotRetried(t *testing.T) {
	rt := &scriptedTransport{script: []func() (*http.Response, error){
		jsonResponse(403, map[string]any{
			"error": map[string]any{"code": "MANDATE_REVOKED", "message": "mandate has been revoked"},
		}),
	}}
	engine, _ := newTestEngine(t, rt, WithMaxRetries(2))

	_, err := engine.Authorize(context.Background(), AuthorizeRequest{
		Mandate: "mandate_1", AmountCents: 5000, Currency: "EUR", Vendor: "aws",
	})
	require.Error(t, err)
	assert.Len(t, rt.bodies, 1) // никаких ретраев на HTTP-ошибку

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "MANDATE_REVOKED", apiErr.Code)
	assert.Equal(t, 403, apiErr.StatusCode)
}

func TestAuthorizeFlatErrorShape(t *testing.T) {
	rt := &scriptedTransport{script: []func() (*http.Response, error){
		jsonResponse(401, map[string]any{"error": "INVALID_SIGNATURE", "message": "bad signature"}),
	}}
	engine, _ := newTestEngine(t, rt)

	_, err := engine.Authorize(context.Background(), AuthorizeRequest{
		Mandate: "mandate_1", AmountCents: 100, Currency: "EUR", Vendor: "aws",
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_SIGNATURE", apiErr.Code)
	assert.Equal(t, "bad signature", apiErr.Message)
}

func TestAuthorizeDeniedIsNotAnError(t *testing.T) {
	rt := &scriptedTransport{script: []func() (*http.Response, error){
		jsonResponse(200, map[string]any{
			"decision":    "DENIED",
			"reason_code": "DAILY_LIMIT_EXCEEDED",
		}),
	}}
	engine, _ := newTestEngine(t, rt, WithMaxRetries(2))

	res, err := engine.Authorize(context.Background(), AuthorizeRequest{
		Mandate: "mandate_1", AmountCents: 5000, Currency: "EUR", Vendor: "aws",
	})
	require.NoError(t, err)
	assert.False(t, res.Approved())
	assert.Equal(t, "DAILY_LIMIT_EXCEEDED", res.ReasonCode)
	assert.Len(t, rt.bodies, 1) // DENIED — терминальный ответ, не ретраится
}

func TestAuthorizeExhaustsRetries(t *testing.T) {
	rt := &scriptedTransport{script: []func() (*http.Response, error){
		netFailure(), netFailure(), netFailure(),
	}}
	engine, _ := newTestEngine(t, rt, WithMaxRetries(2))

	_, err := engine.Authorize(context.Background(), AuthorizeRequest{
		Mandate: "mandate_1", AmountCents: 5000, Currency: "EUR", Vendor: "aws",
	})
	require.Error(t, err)
	assert.Len(t, rt.bodies, 3) // 1 + maxRetries попыток, не больше

	var netErr *NetworkError
	assert.True(t, errors.As(err, &netErr))
}

func TestAuthorizeZeroRetries(t *testing.T) {
	rt := &scriptedTransport{script: []func() (*http.Response, error){netFailure()}}
	engine, _ := newTestEngine(t, rt, WithMaxRetries(0))

	_, err := engine.Authorize(context.Background(), AuthorizeRequest{
		Mandate: "mandate_1", AmountCents: 100, Currency: "EUR", Vendor: "aws",
	})
	require.Error(t, err)
	assert.Len(t, rt.bodies, 1)
}

func TestAuthorizeSimulateHeaders(t *testing.T) {
	rt := &scriptedTransport{script: []func() (*http.Response, error){
		jsonResponse(200, map[string]any{"decision": "DENIED", "reason_code": "DAILY_LIMIT_EXCEEDED"}),
	}}
	engine, _ := newTestEngine(t, rt)

	_, err := engine.Authorize(context.Background(), AuthorizeRequest{
		Mandate: "mandate_1", AmountCents: 100, Currency: "EUR", Vendor: "aws",
		Simulate: "DAILY_LIMIT_EXCEEDED", AdminKey: "admin_secret",
	})
	require.NoError(t, err)

	h := rt.headers[0]
	assert.Equal(t, "DAILY_LIMIT_EXCEEDED", h.Get("X-Kora-Simulate"))
	assert.Equal(t, "Bearer admin_secret", h.Get("Authorization"))
	assert.Equal(t, "agent_test", h.Get("X-Agent-Id"))
}

func TestAuthorizeOptionalBodyFields(t *testing.T) {
	rt := &scriptedTransport{script: []func() (*http.Response, error){
		jsonResponse(200, approvedBody()),
	}}
	engine, publicKey := newTestEngine(t, rt)

	_, err := engine.Authorize(context.Background(), AuthorizeRequest{
		Mandate: "mandate_1", AmountCents: 100, Currency: "EUR", Vendor: "aws",
		Category: "cloud", Purpose: "compute bill",
		PaymentInstruction: &PaymentInstruction{RecipientIBAN: "DE89370400440532013000"},
		Metadata:           map[string]any{"order": "ord_1"},
	})
	require.NoError(t, err)

	body := rt.bodies[0]
	assert.Equal(t, "cloud", body["category"])
	assert.Equal(t, "compute bill", body["purpose"])
	assert.Contains(t, body, "payment_instruction")
	assert.Contains(t, body, "metadata")

	// category/purpose не входят в подпись, но подпись все равно сходится
	canonical, err := Canonicalize(rebuildAttemptFields(body))
	require.NoError(t, err)
	assert.True(t, VerifySignature(canonical, rt.headers[0].Get("X-Agent-Signature"), publicKey))
}

func TestNewEngineRejectsBadSecret(t *testing.T) {
	_, err := NewEngine("not_a_kora_key")
	require.Error(t, err)
	var keyErr *KeyFormatError
	assert.True(t, errors.As(err, &keyErr))
}
