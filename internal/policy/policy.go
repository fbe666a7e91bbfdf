package policy

import (
	"fmt"
	"strings"
)

// Коды причин решения. Порядок проверок в Evaluate соответствует
// конвейеру боевого сервера и менять его нельзя: агентская логика
// самокоррекции опирается на то, какая проверка сработала первой.
const (
	ReasonOK               = "OK"
	ReasonCurrencyMismatch = "CURRENCY_MISMATCH"
	ReasonVendorNotAllowed = "VENDOR_NOT_ALLOWED"
	ReasonPerTxLimit       = "PER_TRANSACTION_LIMIT_EXCEEDED"
	ReasonDailyLimit       = "DAILY_LIMIT_EXCEEDED"
	ReasonMonthlyLimit     = "MONTHLY_LIMIT_EXCEEDED"
)

// Config — границы мандата: лимиты, валюта, allowlist вендоров.
type Config struct {
	DailyLimitCents   int64
	MonthlyLimitCents int64
	Currency          string

	// 0 = лимит на транзакцию не задан (суммы строго положительные,
	// поэтому ноль не может быть реальным потолком)
	PerTransactionMaxCents int64

	// nil = разрешены все вендоры. Пустой непустой список = запрещены все.
	AllowedVendors []string
}

// Outcome — результат прогона одной заявки через конвейер проверок.
type Outcome struct {
	Approved   bool
	ReasonCode string
	Message    string
	Hint       string

	// Подсказка «повтори с этой суммой». 0 = подсказки нет
	// (в т.ч. при нулевом остатке дневного/месячного бюджета).
	RetryWithCents int64

	// Какая по счету проверка провалилась (для evaluation_trace)
	Steps []Step
}

// Step — одна пройденная проверка конвейера.
type Step struct {
	Check  string
	Result string // "pass" | "fail"
}

// ValidateSpend проверяет вход до конвейера. Нарушение — это ошибка
// программирования вызывающей стороны, а не policy-отказ.
func ValidateSpend(vendor string, amountCents int64, currency string) error {
	if amountCents <= 0 {
		return fmt.Errorf("amount_cents must be a positive integer, got %d", amountCents)
	}
	if strings.TrimSpace(vendor) == "" {
		return fmt.Errorf("vendor must be a non-empty string")
	}
	if len(currency) != 3 || !isLetters(currency) {
		return fmt.Errorf("currency must be a 3-letter ISO 4217 code, got %q", currency)
	}
	return nil
}

func isLetters(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// NormalizeCurrency приводит код валюты к верхнему регистру.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(currency)
}

// NormalizeVendor приводит идентификатор вендора к канонической форме
// для сравнения с allowlist и для подписи.
func NormalizeVendor(vendor string) string {
	return strings.ToLower(strings.TrimSpace(vendor))
}

// Evaluate прогоняет нормализованную заявку через упорядоченный конвейер.
// Short-circuit на первой провалившейся проверке. Счетчики НЕ трогает —
// фиксация одобренной суммы остается за вызывающим (Ledger.Commit),
// чтобы связка «проверить остаток → записать трату» держалась под одним замком.
func Evaluate(cfg Config, led *Ledger, amountCents int64, currency, vendor string) Outcome {
	steps := make([]Step, 0, 5)
	fail := func(check, reason, message, hint string, retryWith int64) Outcome {
		steps = append(steps, Step{Check: check, Result: "fail"})
		return Outcome{
			ReasonCode:     reason,
			Message:        message,
			Hint:           hint,
			RetryWithCents: retryWith,
			Steps:          steps,
		}
	}
	pass := func(check string) {
		steps = append(steps, Step{Check: check, Result: "pass"})
	}

	// 1. Валюта мандата
	if currency != cfg.Currency {
		return fail("currency", ReasonCurrencyMismatch,
			fmt.Sprintf("Currency '%s' does not match mandate currency '%s'.", currency, cfg.Currency),
			"", 0)
	}
	pass("currency")

	// 2. Allowlist вендоров
	if cfg.AllowedVendors != nil && !contains(cfg.AllowedVendors, vendor) {
		return fail("vendor_allowlist", ReasonVendorNotAllowed,
			fmt.Sprintf("Vendor '%s' is not in the allowed vendor list.", vendor),
			"", 0)
	}
	pass("vendor_allowlist")

	// 3. Лимит на транзакцию
	if cfg.PerTransactionMaxCents > 0 && amountCents > cfg.PerTransactionMaxCents {
		return fail("per_transaction_limit", ReasonPerTxLimit,
			fmt.Sprintf("Per-transaction limit exceeded. Maximum: %s.", FormatEuros(cfg.PerTransactionMaxCents)),
			fmt.Sprintf("Reduce amount to %s.", FormatEuros(cfg.PerTransactionMaxCents)),
			cfg.PerTransactionMaxCents)
	}
	pass("per_transaction_limit")

	// 4. Дневной бюджет
	dailyRemaining := cfg.DailyLimitCents - led.DailySpentCents
	if amountCents > dailyRemaining {
		retryWith := int64(0)
		if dailyRemaining > 0 {
			retryWith = dailyRemaining
		}
		return fail("daily_limit", ReasonDailyLimit,
			fmt.Sprintf("Daily spending limit exceeded. Requested: %s. Available: %s.",
				FormatEuros(amountCents), FormatEuros(dailyRemaining)),
			fmt.Sprintf("Reduce amount to %s or wait for daily reset.", FormatEuros(dailyRemaining)),
			retryWith)
	}
	pass("daily_limit")

	// 5. Месячный бюджет
	monthlyRemaining := cfg.MonthlyLimitCents - led.MonthlySpentCents
	if amountCents > monthlyRemaining {
		retryWith := int64(0)
		if monthlyRemaining > 0 {
			retryWith = monthlyRemaining
		}
		return fail("monthly_limit", ReasonMonthlyLimit,
			fmt.Sprintf("Monthly spending limit exceeded. Requested: %s. Available: %s.",
				FormatEuros(amountCents), FormatEuros(monthlyRemaining)),
			fmt.Sprintf("Reduce amount to %s or wait for monthly reset.", FormatEuros(monthlyRemaining)),
			retryWith)
	}
	pass("monthly_limit")

	return Outcome{
		Approved:   true,
		ReasonCode: ReasonOK,
		Message:    fmt.Sprintf("Approved: %s to %s", FormatEuros(amountCents), vendor),
		Steps:      steps,
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// FormatEuros форматирует центы как €X,XXX.XX на целочисленной
// арифметике (никаких float в денежных путях).
func FormatEuros(cents int64) string {
	neg := ""
	if cents < 0 {
		neg = "-"
		cents = -cents
	}
	whole := cents / 100
	frac := cents % 100
	return fmt.Sprintf("%s€%s.%02d", neg, groupThousands(whole), frac)
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
