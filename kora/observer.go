package kora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Заголовок scan-токена observation-канала.
const headerScanToken = "X-Scan-Token"

const warnThrottleWindow = 60 * time.Second

// Observation — один сигнал намерения потратить. Обязателен только Vendor;
// runtime-поля автоопределяются из окружения, если не заданы:
// service_name — KORA_SERVICE_NAME или hostname, environment —
// KORA_ENVIRONMENT, runtime_id — KORA_RUNTIME_ID.
type Observation struct {
	Vendor      string
	AmountCents int64
	Currency    string
	Reason      string

	ServiceName string
	Environment string
	RuntimeID   string
	RepoHint    string
}

// Observer — scan-режим SDK: пассивное наблюдение намерений трат без
// подписи и без enforcement. Сигналы нужны админам для поиска агентов —
// кандидатов на делегирование мандата.
//
// Observe никогда не возвращает ошибку: сбои пишутся как KORA_SCAN_WARN
// с дросселем раз в 60 секунд на пару (vendor, причина).
type Observer struct {
	scanToken  string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu           sync.Mutex
	warnThrottle map[string]time.Time
}

// NewObserver создает scan-клиент с токеном, выданным через /v1/auto/tokens.
func NewObserver(scanToken string, opts ...Option) *Observer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Observer{
		scanToken:    scanToken,
		baseURL:      strings.TrimRight(o.baseURL, "/"),
		httpClient:   o.httpClient,
		logger:       o.logger.With(zap.String("mod", "kora-scan")),
		warnThrottle: make(map[string]time.Time),
	}
}

// Observe отправляет сигнал EXPLICIT_SPEND_INTENT.
func (o *Observer) Observe(ctx context.Context, obs Observation) {
	svc := obs.ServiceName
	if svc == "" {
		svc = os.Getenv("KORA_SERVICE_NAME")
	}
	if svc == "" {
		svc, _ = os.Hostname()
	}
	env := firstNonEmpty(obs.Environment, os.Getenv("KORA_ENVIRONMENT"), "unknown")
	runtimeID := firstNonEmpty(obs.RuntimeID, os.Getenv("KORA_RUNTIME_ID"), "unknown")

	runtime := map[string]any{
		"service_name": svc,
		"environment":  env,
		"runtime_id":   runtimeID,
	}
	if obs.RepoHint != "" {
		runtime["repo_hint"] = obs.RepoHint
	}

	spend := map[string]any{"vendor_id": obs.Vendor}
	if obs.AmountCents > 0 {
		spend["amount_cents"] = obs.AmountCents
	}
	if obs.Currency != "" {
		spend["currency"] = obs.Currency
	}
	if obs.Reason != "" {
		spend["reason"] = obs.Reason
	}

	body := map[string]any{
		"signal_type": "EXPLICIT_SPEND_INTENT",
		"observed_at": time.Now().UTC().Format(time.RFC3339Nano),
		"runtime":     runtime,
		"spend":       spend,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		o.warn(obs.Vendor, svc, env, runtimeID, "marshal_error")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, o.baseURL+"/v1/auto/observe", bytes.NewReader(payload))
	if err != nil {
		o.warn(obs.Vendor, svc, env, runtimeID, "request_error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerScanToken, o.scanToken)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.warn(obs.Vendor, svc, env, runtimeID, "network_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		o.warn(obs.Vendor, svc, env, runtimeID, fmt.Sprintf("http_%d", resp.StatusCode))
	}
}

// warn — KORA_SCAN_WARN с дросселем, чтобы шумная интеграция не
// заспамила логи одним и тем же сбоем.
func (o *Observer) warn(vendor, service, env, runtimeID, errReason string) {
	key := vendor + "|" + errReason

	o.mu.Lock()
	last, seen := o.warnThrottle[key]
	now := time.Now()
	if seen && now.Sub(last) < warnThrottleWindow {
		o.mu.Unlock()
		return
	}
	o.warnThrottle[key] = now
	o.mu.Unlock()

	o.logger.Warn("KORA_SCAN_WARN",
		zap.String("vendor", vendor),
		zap.String("service", service),
		zap.String("env", env),
		zap.String("runtime", runtimeID),
		zap.String("error", errReason),
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
