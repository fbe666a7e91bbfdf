package kora

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Kora — упрощенный двухметодный интерфейс SDK: Spend и CheckBudget.
// Это рекомендуемая точка входа для агентских интеграций; продвинутые
// сценарии (VerifySeal, AsTool, симуляция) — через Engine.
//
// Живой режим (New) гоняет запросы через сервер авторизации, sandbox-режим
// (NewSandbox) считает все локально и детерминированно. Оба режима отдают
// одинаковый SpendResult через общий путь нормализации.
type Kora struct {
	engine  *Engine
	sandbox *SandboxEngine

	mandate string
	baseURL string

	logger     *zap.Logger
	logDenials bool
}

// New собирает живой клиент: secret — секрет агента, mandate — мандат
// по умолчанию для всех операций.
func New(secret, mandate string, opts ...Option) (*Kora, error) {
	if mandate == "" {
		return nil, fmt.Errorf("kora: mandate is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	engine, err := NewEngine(secret, opts...)
	if err != nil {
		return nil, err
	}

	return &Kora{
		engine:     engine,
		mandate:    mandate,
		baseURL:    o.baseURL,
		logger:     o.logger.With(zap.String("mod", "kora")),
		logDenials: o.logDenials,
	}, nil
}

// NewSandbox собирает офлайновый клиент без секрета и сети.
// nil cfg = дефолтные лимиты песочницы.
func NewSandbox(cfg *SandboxConfig, opts ...Option) *Kora {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Kora{
		sandbox:    NewSandboxEngine(cfg, o.logger),
		mandate:    "sandbox",
		baseURL:    o.baseURL,
		logger:     o.logger.With(zap.String("mod", "kora")),
		logDenials: o.logDenials,
	}
}

// Sandbox — true для офлайнового режима.
func (k *Kora) Sandbox() bool {
	return k.sandbox != nil
}

// Spend запрашивает авторизацию траты. Отказ — не ошибка, а нормальный
// результат с кодом причины и, когда есть, подсказкой RetryWith.
// На DENIED пишется структурированная запись KORA_DENIAL; одобрения
// диагностики не производят.
func (k *Kora) Spend(ctx context.Context, vendor string, amountCents int64, currency, reason string) (*SpendResult, error) {
	var raw map[string]any

	if k.sandbox != nil {
		var err error
		raw, err = k.sandbox.Spend(vendor, amountCents, currency, reason)
		if err != nil {
			return nil, err
		}
	} else {
		res, err := k.engine.Authorize(ctx, AuthorizeRequest{
			Mandate:     k.mandate,
			AmountCents: amountCents,
			Currency:    currency,
			Vendor:      vendor,
			Purpose:     reason,
		})
		if err != nil {
			return nil, err
		}
		raw = res.Raw
	}

	result := buildSpendResult(raw)

	if !result.Approved && k.logDenials {
		k.logDenial(result, vendor, amountCents, currency)
	}
	return result, nil
}

// CheckBudget возвращает текущее состояние бюджета мандата.
func (k *Kora) CheckBudget(ctx context.Context) (*BudgetResult, error) {
	if k.sandbox != nil {
		return parseBudgetResult(k.sandbox.Budget()), nil
	}

	body := map[string]any{"mandate_id": k.mandate}
	canonical, err := Canonicalize(body)
	if err != nil {
		return nil, err
	}
	signature := SignMessage(canonical, k.engine.key)

	headers := map[string]string{
		headerAgentID:   k.engine.agentID,
		headerSignature: signature,
	}

	reqCtx, cancel := context.WithTimeout(ctx, k.engine.attemptTimeout)
	defer cancel()

	raw, status, err := k.engine.postJSON(reqCtx, "/v1/mandates/"+k.mandate+"/budget", body, headers)
	if err != nil {
		if status == 404 {
			return nil, &APIError{Code: "NOT_FOUND", Message: "Mandate not found or revoked", StatusCode: 404}
		}
		return nil, err
	}

	return parseBudgetResult(raw), nil
}

func (k *Kora) logDenial(result *SpendResult, vendor string, amountCents int64, currency string) {
	agentID := ""
	if k.engine != nil {
		agentID = k.engine.agentID
	}

	fields := []zap.Field{
		zap.String("agent", agentID),
		zap.String("mandate", k.mandate),
		zap.String("vendor", vendor),
		zap.Int64("amount", amountCents),
		zap.String("currency", currency),
		zap.String("reason", result.ReasonCode),
	}
	if result.RetryWith != nil {
		fields = append(fields, zap.Int64("remaining_cents", result.RetryWith.AmountCents))
	}
	if result.TraceURL != "" {
		fields = append(fields, zap.String("trace", k.baseURL+result.TraceURL))
	}

	k.logger.Warn("KORA_DENIAL", fields...)
}
