package kora

import (
	"fmt"
	"strings"
)

// Символы валют для человекочитаемых сумм. Неизвестная валюта
// форматируется ISO-кодом с пробелом ("CHF 50.00").
var currencySymbols = map[string]string{
	"EUR": "€",
	"USD": "$",
	"GBP": "£",
	"SEK": "kr",
}

// FormatAmount форматирует сумму в центах: два знака после точки,
// точка как десятичный разделитель, без разделителей тысяч.
// Единственная реализация для всех сообщений SDK — не дублировать.
func FormatAmount(amountCents int64, currency string) string {
	neg := ""
	if amountCents < 0 {
		neg = "-"
		amountCents = -amountCents
	}
	major := amountCents / 100
	frac := amountCents % 100

	code := strings.ToUpper(currency)
	if symbol, ok := currencySymbols[code]; ok {
		return fmt.Sprintf("%s%s%d.%02d", neg, symbol, major, frac)
	}
	return fmt.Sprintf("%s%s %d.%02d", neg, code, major, frac)
}
