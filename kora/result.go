package kora

import "fmt"

// ParseResponse разбирает сырой payload ответа /v1/authorize в
// AuthorizationResult. Парсер версионно-толерантен: отсутствующие поля
// получают безопасные значения, незнакомые — остаются в Raw.
func ParseResponse(raw map[string]any) *AuthorizationResult {
	decision := rawString(raw, "decision")
	if decision == "" {
		decision = rawString(raw, "status")
	}
	if decision == "" {
		decision = "DENIED"
	}

	res := &AuthorizationResult{
		DecisionID: rawString(raw, "decision_id"),
		IntentID:   rawString(raw, "intent_id"),
		Decision:   decision,
		ReasonCode: rawString(raw, "reason_code"),
		AgentID:    rawString(raw, "agent_id"),

		MandateID:      rawStringPtr(raw, "mandate_id"),
		MandateVersion: rawInt64Ptr(raw, "mandate_version"),
		AmountCents:    rawInt64Ptr(raw, "amount_cents"),
		Currency:       rawStringPtr(raw, "currency"),
		VendorID:       rawStringPtr(raw, "vendor_id"),

		EvaluatedAt: rawString(raw, "evaluated_at"),
		ExpiresAt:   rawStringPtr(raw, "expires_at"),
		TTLSeconds:  rawInt64Ptr(raw, "ttl_seconds"),

		TraceURL:        rawStringPtr(raw, "trace_url"),
		Executable:      rawBool(raw, "executable", false),
		EnforcementMode: rawStringPtr(raw, "enforcement_mode"),
		Simulated:       rawBool(raw, "simulated", false),

		Raw: raw,
	}

	if m := rawMap(raw, "notary_seal"); m != nil {
		res.NotarySeal = parseSeal(m)
	}
	if m := rawMap(raw, "limits_after_approval"); m != nil {
		res.LimitsAfterApproval = parseLimits(m)
	}
	if m := rawMap(raw, "limits_current"); m != nil {
		res.LimitsCurrent = parseLimits(m)
	}
	if m := rawMap(raw, "payment_instruction"); m != nil {
		res.PaymentInstruction = parsePaymentInstruction(m)
	}
	if m := rawMap(raw, "denial"); m != nil {
		res.Denial = parseDenial(m)
	}
	if m := rawMap(raw, "evaluation_trace"); m != nil {
		res.EvaluationTrace = parseTrace(m)
	}

	return res
}

func parseSeal(raw map[string]any) *NotarySeal {
	return &NotarySeal{
		Signature:    rawString(raw, "signature"),
		PublicKeyID:  rawString(raw, "public_key_id"),
		Algorithm:    rawString(raw, "algorithm"),
		SignedFields: rawStringSlice(raw, "signed_fields"),
		Timestamp:    rawString(raw, "timestamp"),
		PayloadHash:  rawString(raw, "payload_hash"),
	}
}

func parseLimits(raw map[string]any) *Limits {
	return &Limits{
		DailyRemainingCents:   rawInt64Ptr(raw, "daily_remaining_cents"),
		MonthlyRemainingCents: rawInt64Ptr(raw, "monthly_remaining_cents"),
		DailySpentCents:       rawInt64Ptr(raw, "daily_spent_cents"),
		MonthlySpentCents:     rawInt64Ptr(raw, "monthly_spent_cents"),
		DailyLimitCents:       rawInt64Ptr(raw, "daily_limit_cents"),
		MonthlyLimitCents:     rawInt64Ptr(raw, "monthly_limit_cents"),
	}
}

func parsePaymentInstruction(raw map[string]any) *PaymentInstruction {
	return &PaymentInstruction{
		RecipientIBAN:    rawString(raw, "recipient_iban"),
		RecipientName:    rawString(raw, "recipient_name"),
		RecipientBIC:     rawString(raw, "recipient_bic"),
		PaymentReference: rawString(raw, "payment_reference"),
	}
}

func parseDenial(raw map[string]any) *Denial {
	return &Denial{
		ReasonCode:  rawString(raw, "reason_code"),
		Message:     rawString(raw, "message"),
		Hint:        rawString(raw, "hint"),
		Actionable:  rawMap(raw, "actionable"),
		FailedCheck: rawMap(raw, "failed_check"),
	}
}

func parseTrace(raw map[string]any) *EvaluationTrace {
	trace := &EvaluationTrace{
		TotalDurationMs: rawInt64(raw, "total_duration_ms", 0),
	}
	if steps, ok := raw["steps"].([]any); ok {
		for _, s := range steps {
			sm, ok := s.(map[string]any)
			if !ok {
				continue
			}
			trace.Steps = append(trace.Steps, TraceStep{
				Step:       int(rawInt64(sm, "step", 0)),
				Check:      rawString(sm, "check"),
				Result:     rawString(sm, "result"),
				DurationMs: rawInt64Ptr(sm, "duration_ms"),
				Input:      rawMap(sm, "input"),
			})
		}
	}
	return trace
}

// buildSpendResult нормализует сырой payload решения в SpendResult.
// Один и тот же путь обслуживает текущую форму API, устаревшую (суммы
// внутри payment_instruction) и будущую (без платежных полей вовсе).
// Вместо ветвления по тегу версии — пробы известных мест в фиксированном
// порядке: так парсер не обрастает enum'ом версий и сохраняет поведение
// на легаси-ответах.
func buildSpendResult(raw map[string]any) *SpendResult {
	decision := rawString(raw, "decision")
	if decision == "" {
		decision = rawString(raw, "status")
	}
	if decision == "" {
		decision = "DENIED"
	}

	var denial *Denial
	if m := rawMap(raw, "denial"); m != nil {
		denial = parseDenial(m)
	}

	piMap := rawMap(raw, "payment_instruction")

	// Разрешение платежной тройки: верхний уровень → вложенный объект
	// payment_instruction → поля отсутствуют.
	amount := rawInt64(raw, "amount_cents", 0)
	if amount == 0 && piMap != nil {
		amount = rawInt64(piMap, "amount_cents", 0)
	}
	currency := rawString(raw, "currency")
	if currency == "" && piMap != nil {
		currency = rawString(piMap, "currency")
	}
	vendor := rawString(raw, "vendor_id")
	if vendor == "" && piMap != nil {
		vendor = rawString(piMap, "vendor_id")
	}

	sr := &SpendResult{
		Approved:        decision == "APPROVED",
		DecisionID:      rawString(raw, "decision_id"),
		Decision:        decision,
		ReasonCode:      rawString(raw, "reason_code"),
		AmountCents:     amount,
		Currency:        currency,
		VendorID:        vendor,
		Executable:      rawBool(raw, "executable", true),
		EnforcementMode: rawStringOr(raw, "enforcement_mode", "enforce"),
		Simulated:       rawBool(raw, "simulated", false) || rawBool(raw, "sandbox", false),
		TraceURL:        rawString(raw, "trace_url"),
		Raw:             raw,
	}

	// message/suggestion/retry_with: напрямую → из denial → синтез из кода
	sr.Message = rawString(raw, "message")
	if sr.Message == "" && denial != nil {
		sr.Message = denial.Message
	}
	if sr.Message == "" {
		sr.Message = synthesizeMessage(sr)
	}

	sr.Suggestion = rawString(raw, "suggestion")
	if sr.Suggestion == "" && denial != nil {
		sr.Suggestion = denial.Hint
	}

	if rw := rawMap(raw, "retry_with"); rw != nil {
		if cents := rawInt64(rw, "amount_cents", 0); cents > 0 {
			sr.RetryWith = &RetryWith{AmountCents: cents}
		}
	}
	if sr.RetryWith == nil && denial != nil && denial.Actionable != nil {
		if cents := rawInt64(denial.Actionable, "available_cents", 0); cents > 0 {
			sr.RetryWith = &RetryWith{AmountCents: cents}
		}
	}

	// Печать: текущий ключ notary_seal, легаси-ключ seal
	if m := rawMap(raw, "notary_seal"); m != nil {
		sr.Seal = parseSeal(m)
	} else if m := rawMap(raw, "seal"); m != nil {
		sr.Seal = parseSeal(m)
	}

	// Реквизиты: payment_instruction (recipient_*) → легаси payment {iban,...}
	if piMap != nil {
		pi := parsePaymentInstruction(piMap)
		if pi.RecipientIBAN != "" || pi.RecipientBIC != "" || pi.RecipientName != "" || pi.PaymentReference != "" {
			sr.Payment = &PaymentDetails{
				IBAN:      pi.RecipientIBAN,
				BIC:       pi.RecipientBIC,
				Name:      pi.RecipientName,
				Reference: pi.PaymentReference,
			}
		}
	}
	if sr.Payment == nil {
		if m := rawMap(raw, "payment"); m != nil {
			sr.Payment = &PaymentDetails{
				IBAN:      rawString(m, "iban"),
				BIC:       rawString(m, "bic"),
				Name:      rawString(m, "name"),
				Reference: rawString(m, "reference"),
			}
		}
	}

	if m := rawMap(raw, "limits_after_approval"); m != nil {
		sr.LimitsAfterApproval = parseLimits(m)
	}
	if m := rawMap(raw, "limits_current"); m != nil {
		sr.LimitsCurrent = parseLimits(m)
	}
	if m := rawMap(raw, "evaluation_trace"); m != nil {
		sr.Trace = parseTrace(m)
	}

	return sr
}

func synthesizeMessage(sr *SpendResult) string {
	if sr.Approved {
		if sr.AmountCents > 0 && sr.VendorID != "" {
			return fmt.Sprintf("Approved: %s to %s", FormatAmount(sr.AmountCents, sr.Currency), sr.VendorID)
		}
		return "Approved"
	}
	if sr.ReasonCode != "" {
		return "Denied: " + sr.ReasonCode
	}
	return "Denied"
}

// parseBudgetResult разбирает ответ /v1/mandates/:id/budget.
func parseBudgetResult(raw map[string]any) *BudgetResult {
	br := &BudgetResult{
		Currency:        rawString(raw, "currency"),
		Status:          rawString(raw, "status"),
		SpendAllowed:    rawBool(raw, "spend_allowed", false),
		EnforcementMode: rawStringOr(raw, "enforcement_mode", "enforce"),

		PerTransactionMaxCents: rawInt64Ptr(raw, "per_transaction_max_cents"),
		AllowedVendors:         rawStringSliceOrNil(raw, "allowed_vendors"),
		AllowedCategories:      rawStringSliceOrNil(raw, "allowed_categories"),

		Raw: raw,
	}

	if m := rawMap(raw, "daily"); m != nil {
		br.Daily = parseBudgetWindow(m)
	}
	if m := rawMap(raw, "monthly"); m != nil {
		br.Monthly = parseBudgetWindow(m)
	}
	if m := rawMap(raw, "velocity"); m != nil {
		br.Velocity = &VelocityWindow{
			WindowMaxCents:        rawInt64(m, "window_max_cents", 0),
			WindowSpentCents:      rawInt64(m, "window_spent_cents", 0),
			WindowRemainingCents:  rawInt64(m, "window_remaining_cents", 0),
			WindowResetsInSeconds: rawInt64(m, "window_resets_in_seconds", 0),
		}
	}
	if m := rawMap(raw, "time_window"); m != nil {
		tw := &TimeWindow{
			AllowedDays:       rawStringSlice(m, "allowed_days"),
			AllowedHoursLocal: map[string]string{},
			CurrentlyOpen:     rawBool(m, "currently_open", false),
			NextOpenAt:        rawStringPtr(m, "next_open_at"),
		}
		if hours := rawMap(m, "allowed_hours_local"); hours != nil {
			for k, v := range hours {
				if s, ok := v.(string); ok {
					tw.AllowedHoursLocal[k] = s
				}
			}
		}
		br.TimeWindow = tw
	}

	return br
}

func parseBudgetWindow(raw map[string]any) BudgetWindow {
	return BudgetWindow{
		LimitCents:     rawInt64(raw, "limit_cents", 0),
		SpentCents:     rawInt64(raw, "spent_cents", 0),
		RemainingCents: rawInt64(raw, "remaining_cents", 0),
		ResetsAt:       rawString(raw, "resets_at"),
	}
}

// --- Пробы по map[string]any (json.Unmarshal отдает числа как float64) ---

func rawString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func rawStringOr(m map[string]any, key, def string) string {
	if s := rawString(m, key); s != "" {
		return s
	}
	return def
}

func rawStringPtr(m map[string]any, key string) *string {
	if s, ok := m[key].(string); ok {
		return &s
	}
	return nil
}

func rawInt64(m map[string]any, key string, def int64) int64 {
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return def
}

func rawInt64Ptr(m map[string]any, key string) *int64 {
	switch n := m[key].(type) {
	case float64:
		v := int64(n)
		return &v
	case int64:
		return &n
	case int:
		v := int64(n)
		return &v
	}
	return nil
}

func rawBool(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}

func rawMap(m map[string]any, key string) map[string]any {
	if mm, ok := m[key].(map[string]any); ok {
		return mm
	}
	return nil
}

func rawStringSlice(m map[string]any, key string) []string {
	out := rawStringSliceOrNil(m, key)
	if out == nil {
		return []string{}
	}
	return out
}

func rawStringSliceOrNil(m map[string]any, key string) []string {
	switch arr := m[key].(type) {
	case []string:
		return arr
	case []any:
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
