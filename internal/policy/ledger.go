package policy

import "time"

// Ledger — счетчики потраченного по одному мандату. Сам по себе не
// потокобезопасен: владелец (sandbox-движок или эмулятор) обязан держать
// Rollover/Evaluate/Commit под одним мьютексом.
type Ledger struct {
	DailySpentCents   int64
	MonthlySpentCents int64
	TxCount           int64

	// Календарная дата (UTC), на которую актуален дневной счетчик.
	PeriodStart time.Time
}

// NewLedger создает пустой журнал с периодом от текущей UTC-даты.
func NewLedger(now time.Time) Ledger {
	return Ledger{PeriodStart: dateOf(now)}
}

// Rollover — ленивый перенос периода. Вызывается перед каждой операцией:
// смена UTC-даты обнуляет дневной счетчик, смена календарного месяца —
// еще и месячный.
func (l *Ledger) Rollover(now time.Time) {
	today := dateOf(now)
	if today.Equal(l.PeriodStart) {
		return
	}
	if today.Month() != l.PeriodStart.Month() || today.Year() != l.PeriodStart.Year() {
		l.MonthlySpentCents = 0
	}
	l.DailySpentCents = 0
	l.PeriodStart = today
}

// Commit фиксирует одобренную трату. Вызывается только для APPROVED
// и ровно на одобренную сумму — счетчики никогда не уменьшаются.
func (l *Ledger) Commit(amountCents int64) {
	l.DailySpentCents += amountCents
	l.MonthlySpentCents += amountCents
	l.TxCount++
}

// Reset обнуляет все счетчики. Для изоляции тестов, не для прода.
func (l *Ledger) Reset(now time.Time) {
	l.DailySpentCents = 0
	l.MonthlySpentCents = 0
	l.TxCount = 0
	l.PeriodStart = dateOf(now)
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextDailyReset — ближайшая UTC-полночь после now.
func NextDailyReset(now time.Time) time.Time {
	return dateOf(now).AddDate(0, 0, 1)
}

// NextMonthlyReset — полночь первого числа следующего UTC-месяца.
func NextMonthlyReset(now time.Time) time.Time {
	t := dateOf(now)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
