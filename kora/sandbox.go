package kora

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/kora-agent-sdk/internal/policy"
)

// Дефолтная конфигурация песочницы: €10,000 в день, €50,000 в месяц.
const (
	DefaultSandboxDailyLimitCents   int64 = 1_000_000
	DefaultSandboxMonthlyLimitCents int64 = 5_000_000
	DefaultSandboxCurrency                = "EUR"

	sandboxDecisionPrefix = "sandbox_"
	sandboxTTLSeconds     = 300
)

// Платежные реквизиты песочницы. Значения очевидно фейковые и не могут
// быть спутаны с реальными счетами; настоящий роутинг вендоров — забота
// V2-исполнителя. Поле уходит вместе с payment_instruction, когда сервер
// уберет его из ответа авторизации.
var sandboxPayment = PaymentInstruction{
	RecipientIBAN: "XX00SANDBOX0000000001",
	RecipientBIC:  "SANDBOXXXX",
	RecipientName: "Sandbox Vendor",
}

// SandboxConfig — лимиты офлайнового движка. Нулевые поля добираются
// дефолтами; PerTransactionMaxCents == 0 означает «лимита нет»,
// AllowedVendors == nil — «разрешены все».
type SandboxConfig struct {
	DailyLimitCents        int64
	MonthlyLimitCents      int64
	Currency               string
	PerTransactionMaxCents int64
	AllowedVendors         []string
}

// SandboxEngine — in-memory симулятор авторизации. Ноль сетевых вызовов.
// Воспроизводит порядок и арифметику серверного конвейера и отдает
// payload'ы в форме реального API-ответа (simulated=true), так что их
// обслуживает тот же путь нормализации, что и боевые ответы.
type SandboxEngine struct {
	mu     sync.Mutex
	cfg    policy.Config
	ledger policy.Ledger

	warned bool
	logger *zap.Logger

	// Подменяется в тестах для прокрутки дат
	now func() time.Time
}

// NewSandboxEngine создает движок. nil cfg = дефолтные лимиты;
// nil logger = без диагностики.
func NewSandboxEngine(cfg *SandboxConfig, logger *zap.Logger) *SandboxEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	merged := policy.Config{
		DailyLimitCents:   DefaultSandboxDailyLimitCents,
		MonthlyLimitCents: DefaultSandboxMonthlyLimitCents,
		Currency:          DefaultSandboxCurrency,
	}
	if cfg != nil {
		if cfg.DailyLimitCents > 0 {
			merged.DailyLimitCents = cfg.DailyLimitCents
		}
		if cfg.MonthlyLimitCents > 0 {
			merged.MonthlyLimitCents = cfg.MonthlyLimitCents
		}
		if cfg.Currency != "" {
			merged.Currency = strings.ToUpper(cfg.Currency)
		}
		merged.PerTransactionMaxCents = cfg.PerTransactionMaxCents
		merged.AllowedVendors = cfg.AllowedVendors
	}

	e := &SandboxEngine{
		cfg:    merged,
		logger: logger.With(zap.String("mod", "sandbox")),
		now:    time.Now,
	}
	e.ledger = policy.NewLedger(e.now())
	return e
}

// warnOnce — одноразовый баннер на инстанс движка, чтобы симулированную
// авторизацию нельзя было молча оставить в боевом деплое. Флаг живет на
// инстансе, а не в глобальном состоянии: движки остаются независимыми.
func (e *SandboxEngine) warnOnce() {
	if e.warned {
		return
	}
	e.warned = true
	e.logger.Warn("running in sandbox mode - no real authorizations are being made")
}

// Spend симулирует авторизацию траты. Возвращает payload в форме ответа
// /v1/authorize. Связка «проверить остаток → записать трату» выполняется
// атомарно под мьютексом: без этого два конкурентных вызова могут оба
// увидеть достаточный остаток и оба получить APPROVED сверх лимита.
func (e *SandboxEngine) Spend(vendor string, amountCents int64, currency, reason string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.warnOnce()

	if err := policy.ValidateSpend(vendor, amountCents, currency); err != nil {
		return nil, err
	}
	currency = policy.NormalizeCurrency(currency)
	vendor = policy.NormalizeVendor(vendor)

	now := e.now().UTC()
	e.ledger.Rollover(now)

	decisionID := sandboxDecisionPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
	outcome := policy.Evaluate(e.cfg, &e.ledger, amountCents, currency, vendor)

	if !outcome.Approved {
		return e.buildDenied(decisionID, now, amountCents, currency, vendor, outcome), nil
	}

	e.ledger.Commit(amountCents)
	return e.buildApproved(decisionID, now, amountCents, currency, vendor, outcome), nil
}

func (e *SandboxEngine) buildApproved(decisionID string, now time.Time, amountCents int64, currency, vendor string, outcome policy.Outcome) map[string]any {
	sigHex := strings.ReplaceAll(uuid.New().String(), "-", "")
	shortID := sigHex[:8]
	nowISO := isoMillis(now)
	expiresISO := isoMillis(now.Add(sandboxTTLSeconds * time.Second))

	return map[string]any{
		"simulated":        true,
		"sandbox":          true,
		"decision":         "APPROVED",
		"decision_id":      decisionID,
		"reason_code":      policy.ReasonOK,
		"message":          outcome.Message,
		"amount_cents":     amountCents,
		"currency":         currency,
		"vendor_id":        vendor,
		"evaluated_at":     nowISO,
		"expires_at":       expiresISO,
		"ttl_seconds":      int64(sandboxTTLSeconds),
		"enforcement_mode": "enforce",
		"executable":       true,
		"payment_instruction": map[string]any{
			"recipient_iban":    sandboxPayment.RecipientIBAN,
			"recipient_bic":     sandboxPayment.RecipientBIC,
			"recipient_name":    sandboxPayment.RecipientName,
			"payment_reference": "KORA-SANDBOX-" + shortID,
		},
		// Печать структурно повторяет настоящую, но не подкреплена
		// реальным ключом: проверка против боевого публичного ключа
		// обязана провалиться.
		"notary_seal": map[string]any{
			"algorithm":     "Ed25519",
			"signature":     "sandbox_sig_" + sigHex,
			"public_key_id": "sandbox_key_v1",
			"signed_fields": []any{"decision_id", "status", "reason_code", "amount_cents", "currency", "vendor_id", "evaluated_at"},
			"timestamp":     nowISO,
			"payload_hash":  "sha256:sandbox_" + sigHex[:16],
		},
		"limits_after_approval": map[string]any{
			"daily_remaining_cents":   e.cfg.DailyLimitCents - e.ledger.DailySpentCents,
			"monthly_remaining_cents": e.cfg.MonthlyLimitCents - e.ledger.MonthlySpentCents,
		},
	}
}

func (e *SandboxEngine) buildDenied(decisionID string, now time.Time, amountCents int64, currency, vendor string, outcome policy.Outcome) map[string]any {
	actionable := map[string]any{}
	if outcome.RetryWithCents > 0 {
		actionable["available_cents"] = outcome.RetryWithCents
	}

	return map[string]any{
		"simulated":        true,
		"sandbox":          true,
		"decision":         "DENIED",
		"decision_id":      decisionID,
		"reason_code":      outcome.ReasonCode,
		"amount_cents":     amountCents,
		"currency":         currency,
		"vendor_id":        vendor,
		"evaluated_at":     isoMillis(now),
		"enforcement_mode": "enforce",
		"executable":       false,
		"denial": map[string]any{
			"reason_code": outcome.ReasonCode,
			"message":     outcome.Message,
			"hint":        outcome.Hint,
			"actionable":  actionable,
			"failed_check": map[string]any{
				"check": lastCheck(outcome.Steps),
			},
		},
		"limits_current": map[string]any{
			"daily_spent_cents":   e.ledger.DailySpentCents,
			"daily_limit_cents":   e.cfg.DailyLimitCents,
			"monthly_spent_cents": e.ledger.MonthlySpentCents,
			"monthly_limit_cents": e.cfg.MonthlyLimitCents,
		},
	}
}

// Budget возвращает текущее состояние бюджета в форме ответа
// /v1/mandates/:id/budget. Счетчики трат не мутирует (только ленивый
// перенос периода).
func (e *SandboxEngine) Budget() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.warnOnce()

	now := e.now().UTC()
	e.ledger.Rollover(now)

	var perTx any
	if e.cfg.PerTransactionMaxCents > 0 {
		perTx = e.cfg.PerTransactionMaxCents
	}
	var vendors any
	if e.cfg.AllowedVendors != nil {
		vendors = e.cfg.AllowedVendors
	}

	return map[string]any{
		"currency":         e.cfg.Currency,
		"status":           "active",
		"spend_allowed":    true,
		"enforcement_mode": "enforce",
		"daily": map[string]any{
			"limit_cents":     e.cfg.DailyLimitCents,
			"spent_cents":     e.ledger.DailySpentCents,
			"remaining_cents": e.cfg.DailyLimitCents - e.ledger.DailySpentCents,
			"resets_at":       isoSeconds(policy.NextDailyReset(now)),
		},
		"monthly": map[string]any{
			"limit_cents":     e.cfg.MonthlyLimitCents,
			"spent_cents":     e.ledger.MonthlySpentCents,
			"remaining_cents": e.cfg.MonthlyLimitCents - e.ledger.MonthlySpentCents,
			"resets_at":       isoSeconds(policy.NextMonthlyReset(now)),
		},
		"per_transaction_max_cents": perTx,
		"velocity":                  nil,
		"allowed_vendors":           vendors,
		"allowed_categories":        nil,
		"time_window":               nil,
		"raw":                       map[string]any{"sandbox": true, "checked_at": isoMillis(now)},
	}
}

// Reset обнуляет счетчики и транзакции. Для изоляции тестов.
func (e *SandboxEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.Reset(e.now())
}

func lastCheck(steps []policy.Step) string {
	if len(steps) == 0 {
		return ""
	}
	return steps[len(steps)-1].Check
}

func isoMillis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000") + "Z"
}

func isoSeconds(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05") + "Z"
}
