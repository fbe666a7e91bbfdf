package kora

import "time"

// NotarySeal — Ed25519-печать сервера над канонизированным payload решения.
type NotarySeal struct {
	Signature    string   `json:"signature"`
	PublicKeyID  string   `json:"public_key_id"`
	Algorithm    string   `json:"algorithm"`
	SignedFields []string `json:"signed_fields"`
	Timestamp    string   `json:"timestamp"`
	PayloadHash  string   `json:"payload_hash,omitempty"`
}

// Limits — бюджетные остатки/лимиты (в ответе сервера присутствует только
// часть полей, поэтому все указатели).
type Limits struct {
	DailyRemainingCents   *int64 `json:"daily_remaining_cents,omitempty"`
	MonthlyRemainingCents *int64 `json:"monthly_remaining_cents,omitempty"`
	DailySpentCents       *int64 `json:"daily_spent_cents,omitempty"`
	MonthlySpentCents     *int64 `json:"monthly_spent_cents,omitempty"`
	DailyLimitCents       *int64 `json:"daily_limit_cents,omitempty"`
	MonthlyLimitCents     *int64 `json:"monthly_limit_cents,omitempty"`
}

// PaymentInstruction — платежные реквизиты получателя.
type PaymentInstruction struct {
	RecipientIBAN    string `json:"recipient_iban,omitempty"`
	RecipientName    string `json:"recipient_name,omitempty"`
	RecipientBIC     string `json:"recipient_bic,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

// Denial — структурированное описание отказа.
type Denial struct {
	ReasonCode  string         `json:"reason_code"`
	Message     string         `json:"message"`
	Hint        string         `json:"hint"`
	Actionable  map[string]any `json:"actionable"`
	FailedCheck map[string]any `json:"failed_check,omitempty"`
}

// TraceStep — один шаг серверного конвейера проверок.
type TraceStep struct {
	Step       int            `json:"step"`
	Check      string         `json:"check"`
	Result     string         `json:"result"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

// EvaluationTrace — полный трейс вычисления решения.
type EvaluationTrace struct {
	Steps           []TraceStep `json:"steps"`
	TotalDurationMs int64       `json:"total_duration_ms"`
}

// AuthorizationResult — нормализованный результат авторизации.
// После конструирования не мутирует.
type AuthorizationResult struct {
	DecisionID string
	IntentID   string
	Decision   string
	ReasonCode string
	AgentID    string

	MandateID      *string
	MandateVersion *int64
	AmountCents    *int64
	Currency       *string
	VendorID       *string

	EvaluatedAt string
	ExpiresAt   *string
	TTLSeconds  *int64

	NotarySeal          *NotarySeal
	LimitsAfterApproval *Limits
	LimitsCurrent       *Limits
	PaymentInstruction  *PaymentInstruction
	Denial              *Denial
	EvaluationTrace     *EvaluationTrace
	TraceURL            *string

	Executable      bool
	EnforcementMode *string
	Simulated       bool

	// Исходный payload как пришел с сервера или из sandbox-движка.
	Raw map[string]any
}

// Approved — решение одобрено.
func (r *AuthorizationResult) Approved() bool {
	return r.Decision == "APPROVED"
}

// IsValid — решение еще не протухло по TTL.
func (r *AuthorizationResult) IsValid() bool {
	if r.ExpiresAt == nil || *r.ExpiresAt == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, *r.ExpiresAt)
	if err != nil {
		return true
	}
	return t.After(time.Now().UTC())
}

// IsEnforced — режим enforce (а не log_only).
func (r *AuthorizationResult) IsEnforced() bool {
	return r.EnforcementMode == nil || *r.EnforcementMode == "" || *r.EnforcementMode == "enforce"
}

// RetryWith — подсказка «повтори с этой суммой» при отказе.
type RetryWith struct {
	AmountCents int64 `json:"amount_cents"`
}

// PaymentDetails — упрощенные реквизиты в SpendResult.
type PaymentDetails struct {
	IBAN      string `json:"iban"`
	BIC       string `json:"bic"`
	Name      string `json:"name"`
	Reference string `json:"reference"`
}

// SpendResult — единая стабильная форма результата Spend, одинаковая для
// боевого сервера и sandbox-режима.
type SpendResult struct {
	Approved   bool
	DecisionID string
	Decision   string
	ReasonCode string

	Message    string
	Suggestion string
	RetryWith  *RetryWith

	AmountCents int64
	Currency    string
	VendorID    string

	Payment         *PaymentDetails
	Executable      bool
	EnforcementMode string
	Simulated       bool

	Seal                *NotarySeal
	LimitsAfterApproval *Limits
	LimitsCurrent       *Limits
	Trace               *EvaluationTrace
	TraceURL            string

	Raw map[string]any
}

// BudgetWindow — одно бюджетное окно (дневное или месячное).
type BudgetWindow struct {
	LimitCents     int64  `json:"limit_cents"`
	SpentCents     int64  `json:"spent_cents"`
	RemainingCents int64  `json:"remaining_cents"`
	ResetsAt       string `json:"resets_at"`
}

// VelocityWindow — скользящее окно скорости трат (наполняет только сервер).
type VelocityWindow struct {
	WindowMaxCents        int64 `json:"window_max_cents"`
	WindowSpentCents      int64 `json:"window_spent_cents"`
	WindowRemainingCents  int64 `json:"window_remaining_cents"`
	WindowResetsInSeconds int64 `json:"window_resets_in_seconds"`
}

// TimeWindow — расписание разрешенных часов (наполняет только сервер).
type TimeWindow struct {
	AllowedDays       []string          `json:"allowed_days"`
	AllowedHoursLocal map[string]string `json:"allowed_hours_local"`
	CurrentlyOpen     bool              `json:"currently_open"`
	NextOpenAt        *string           `json:"next_open_at,omitempty"`
}

// BudgetResult — результат CheckBudget.
type BudgetResult struct {
	Currency        string
	Status          string
	SpendAllowed    bool
	EnforcementMode string

	Daily   BudgetWindow
	Monthly BudgetWindow

	PerTransactionMaxCents *int64
	Velocity               *VelocityWindow
	AllowedVendors         []string
	AllowedCategories      []string
	TimeWindow             *TimeWindow

	Raw map[string]any
}
