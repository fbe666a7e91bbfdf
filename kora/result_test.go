package kora

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSpendResultCurrentShape(t *testing.T) {
	raw := map[string]any{
		"decision":     "APPROVED",
		"decision_id":  "dec_1",
		"reason_code":  "OK",
		"amount_cents": float64(5000),
		"currency":     "EUR",
		"vendor_id":    "aws",
		"executable":   true,
		"message":      "Approved: €50.00 to aws",
		"notary_seal": map[string]any{
			"signature":     "sig",
			"public_key_id": "key_v1",
			"signed_fields": []any{"intent_id", "status"},
		},
		"payment_instruction": map[string]any{
			"recipient_iban":    "DE89370400440532013000",
			"recipient_bic":     "COBADEFF",
			"recipient_name":    "ACME",
			"payment_reference": "REF-1",
		},
		"limits_after_approval": map[string]any{"daily_remaining_cents": float64(995_000)},
		"trace_url":             "/v1/traces/trc_1",
	}

	sr := buildSpendResult(raw)
	assert.True(t, sr.Approved)
	assert.Equal(t, "dec_1", sr.DecisionID)
	assert.Equal(t, int64(5000), sr.AmountCents)
	assert.Equal(t, "EUR", sr.Currency)
	assert.Equal(t, "aws", sr.VendorID)
	assert.Equal(t, "Approved: €50.00 to aws", sr.Message)
	assert.Equal(t, "enforce", sr.EnforcementMode)
	assert.False(t, sr.Simulated)

	require.NotNil(t, sr.Seal)
	assert.Equal(t, []string{"intent_id", "status"}, sr.Seal.SignedFields)

	require.NotNil(t, sr.Payment)
	assert.Equal(t, "DE89370400440532013000", sr.Payment.IBAN)
	assert.Equal(t, "REF-1", sr.Payment.Reference)

	require.NotNil(t, sr.LimitsAfterApproval)
	assert.Equal(t, int64(995_000), *sr.LimitsAfterApproval.DailyRemainingCents)
	assert.Equal(t, "/v1/traces/trc_1", sr.TraceURL)
}

func TestBuildSpendResultLegacyNestedShape(t *testing.T) {
	// Устаревшая форма: суммы внутри payment_instruction, печать под
	// ключом seal, реквизиты в payment
	raw := map[string]any{
		"status": "APPROVED",
		"payment_instruction": map[string]any{
			"amount_cents": float64(7500),
			"currency":     "USD",
			"vendor_id":    "stripe",
		},
		"seal": map[string]any{"signature": "legacy_sig"},
		"payment": map[string]any{
			"iban": "GB33BUKB20201555555555",
			"bic":  "BUKBGB22",
			"name": "Legacy Corp",
		},
	}

	sr := buildSpendResult(raw)
	assert.True(t, sr.Approved)
	assert.Equal(t, int64(7500), sr.AmountCents)
	assert.Equal(t, "USD", sr.Currency)
	assert.Equal(t, "stripe", sr.VendorID)

	require.NotNil(t, sr.Seal)
	assert.Equal(t, "legacy_sig", sr.Seal.Signature)
	require.NotNil(t, sr.Payment)
	assert.Equal(t, "GB33BUKB20201555555555", sr.Payment.IBAN)
}

func TestBuildSpendResultMinimalShape(t *testing.T) {
	// Будущая форма без платежных полей вовсе: нули и дефолты
	sr := buildSpendResult(map[string]any{"decision": "APPROVED"})
	assert.True(t, sr.Approved)
	assert.Zero(t, sr.AmountCents)
	assert.Empty(t, sr.Currency)
	assert.Nil(t, sr.Payment)
	assert.True(t, sr.Executable)                  // дефолт true
	assert.Equal(t, "enforce", sr.EnforcementMode) // дефолт enforce
	assert.Equal(t, "Approved", sr.Message)
}

func TestBuildSpendResultMissingDecision(t *testing.T) {
	sr := buildSpendResult(map[string]any{})
	assert.False(t, sr.Approved)
	assert.Equal(t, "DENIED", sr.Decision)
	assert.Equal(t, "Denied", sr.Message)
}

func TestBuildSpendResultDenialDerivedFields(t *testing.T) {
	raw := map[string]any{
		"decision":    "DENIED",
		"reason_code": "DAILY_LIMIT_EXCEEDED",
		"denial": map[string]any{
			"reason_code": "DAILY_LIMIT_EXCEEDED",
			"message":     "Daily spending limit exceeded.",
			"hint":        "Reduce amount to €2,000.00 or wait for daily reset.",
			"actionable":  map[string]any{"available_cents": float64(200_000)},
		},
	}

	sr := buildSpendResult(raw)
	assert.False(t, sr.Approved)
	assert.Equal(t, "Daily spending limit exceeded.", sr.Message)
	assert.Equal(t, "Reduce amount to €2,000.00 or wait for daily reset.", sr.Suggestion)
	require.NotNil(t, sr.RetryWith)
	assert.Equal(t, int64(200_000), sr.RetryWith.AmountCents)
}

func TestBuildSpendResultDirectRetryWithWins(t *testing.T) {
	raw := map[string]any{
		"decision":   "DENIED",
		"retry_with": map[string]any{"amount_cents": float64(500)},
		"denial": map[string]any{
			"actionable": map[string]any{"available_cents": float64(999)},
		},
	}
	sr := buildSpendResult(raw)
	require.NotNil(t, sr.RetryWith)
	assert.Equal(t, int64(500), sr.RetryWith.AmountCents)
}

func TestBuildSpendResultSynthesizedDenialMessage(t *testing.T) {
	sr := buildSpendResult(map[string]any{
		"decision":    "DENIED",
		"reason_code": "VENDOR_NOT_ALLOWED",
	})
	assert.Equal(t, "Denied: VENDOR_NOT_ALLOWED", sr.Message)
}

func TestBuildSpendResultSandboxFlag(t *testing.T) {
	sr := buildSpendResult(map[string]any{"decision": "APPROVED", "sandbox": true})
	assert.True(t, sr.Simulated)

	sr = buildSpendResult(map[string]any{"decision": "APPROVED", "simulated": true})
	assert.True(t, sr.Simulated)
}

func TestParseResponseDefaults(t *testing.T) {
	res := ParseResponse(map[string]any{})
	assert.Equal(t, "DENIED", res.Decision)
	assert.False(t, res.Executable)
	assert.True(t, res.IsValid())    // нет expires_at — считаем валидным
	assert.True(t, res.IsEnforced()) // нет режима — считаем enforce
}

func TestParseResponseFull(t *testing.T) {
	raw := map[string]any{
		"decision":         "APPROVED",
		"intent_id":        "int_1",
		"mandate_id":       "mandate_1",
		"mandate_version":  float64(3),
		"amount_cents":     float64(5000),
		"currency":         "EUR",
		"vendor_id":        "aws",
		"evaluated_at":     "2026-03-15T12:00:00.000Z",
		"expires_at":       "2099-01-01T00:00:00Z",
		"ttl_seconds":      float64(300),
		"enforcement_mode": "log_only",
		"executable":       true,
		"evaluation_trace": map[string]any{
			"steps": []any{
				map[string]any{"step": float64(1), "check": "currency", "result": "pass"},
			},
			"total_duration_ms": float64(4),
		},
	}

	res := ParseResponse(raw)
	assert.True(t, res.Approved())
	assert.Equal(t, "int_1", res.IntentID)
	require.NotNil(t, res.MandateVersion)
	assert.Equal(t, int64(3), *res.MandateVersion)
	assert.True(t, res.IsValid())
	assert.False(t, res.IsEnforced())

	require.NotNil(t, res.EvaluationTrace)
	require.Len(t, res.EvaluationTrace.Steps, 1)
	assert.Equal(t, "currency", res.EvaluationTrace.Steps[0].Check)
	assert.Equal(t, int64(4), res.EvaluationTrace.TotalDurationMs)
}

func TestParseBudgetResult(t *testing.T) {
	raw := map[string]any{
		"currency":      "EUR",
		"status":        "active",
		"spend_allowed": true,
		"daily": map[string]any{
			"limit_cents":     float64(1_000_000),
			"spent_cents":     float64(40_000),
			"remaining_cents": float64(960_000),
			"resets_at":       "2026-03-16T00:00:00Z",
		},
		"monthly": map[string]any{
			"limit_cents":     float64(5_000_000),
			"spent_cents":     float64(40_000),
			"remaining_cents": float64(4_960_000),
			"resets_at":       "2026-04-01T00:00:00Z",
		},
		"per_transaction_max_cents": float64(50_000),
		"allowed_vendors":           []any{"aws", "stripe"},
		"velocity": map[string]any{
			"window_max_cents":   float64(10_000),
			"window_spent_cents": float64(2_000),
		},
		"time_window": map[string]any{
			"allowed_days":        []any{"mon", "tue"},
			"allowed_hours_local": map[string]any{"start": "09:00", "end": "18:00"},
			"currently_open":      true,
		},
	}

	br := parseBudgetResult(raw)
	assert.Equal(t, "EUR", br.Currency)
	assert.True(t, br.SpendAllowed)
	assert.Equal(t, int64(960_000), br.Daily.RemainingCents)
	assert.Equal(t, "2026-04-01T00:00:00Z", br.Monthly.ResetsAt)

	require.NotNil(t, br.PerTransactionMaxCents)
	assert.Equal(t, int64(50_000), *br.PerTransactionMaxCents)
	assert.Equal(t, []string{"aws", "stripe"}, br.AllowedVendors)
	assert.Nil(t, br.AllowedCategories)

	require.NotNil(t, br.Velocity)
	assert.Equal(t, int64(10_000), br.Velocity.WindowMaxCents)

	require.NotNil(t, br.TimeWindow)
	assert.True(t, br.TimeWindow.CurrentlyOpen)
	assert.Equal(t, "09:00", br.TimeWindow.AllowedHoursLocal["start"])
}
