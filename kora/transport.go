package kora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// postJSON выполняет один сетевой round-trip и классифицирует исход:
// транспортный сбой заворачивается в *NetworkError (кандидат на ретрай),
// статус >= 400 — в *APIError (терминально), успех отдает сырой payload.
// Retry-машина ветвится по типу ошибки, а не по интроспекции исключений.
func (e *Engine) postJSON(ctx context.Context, path string, body map[string]any, headers map[string]string) (map[string]any, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		// Любой сбой до получения ответа — сетевой уровень:
		// connection refused, timeout, reset, DNS
		return nil, 0, &NetworkError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &NetworkError{Op: "POST " + path, Err: err}
	}

	var raw map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			if resp.StatusCode >= 400 {
				return nil, resp.StatusCode, &APIError{
					Code:       "UNKNOWN_ERROR",
					Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
					StatusCode: resp.StatusCode,
				}
			}
			return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, apiErrorFromBody(raw, resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}

// apiErrorFromBody достает code/message из обеих известных форм тела
// ошибки: {"error": "CODE", "message": "..."} и {"error": {"code", "message"}}.
func apiErrorFromBody(raw map[string]any, status int) *APIError {
	apiErr := &APIError{
		Code:       "UNKNOWN_ERROR",
		Message:    fmt.Sprintf("HTTP %d", status),
		StatusCode: status,
	}
	if raw == nil {
		return apiErr
	}
	switch errVal := raw["error"].(type) {
	case string:
		if errVal != "" {
			apiErr.Code = errVal
		}
		if msg := rawString(raw, "message"); msg != "" {
			apiErr.Message = msg
		}
	case map[string]any:
		if code := rawString(errVal, "code"); code != "" {
			apiErr.Code = code
		}
		if msg := rawString(errVal, "message"); msg != "" {
			apiErr.Message = msg
		}
	}
	return apiErr
}

// newAuthorizeBreaker — предохранитель вокруг всего логического вызова
// авторизации (ретраи идут внутри него). Больше 5 провалов подряд —
// открываемся и быстро отказываем, не тратя бюджет попыток.
func newAuthorizeBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kora-authorize",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// newClientLimiter — клиентский rate limiter, чтобы вышедший из-под
// контроля агент не захлестнул сервер авторизации.
func newClientLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(100), 20)
}
