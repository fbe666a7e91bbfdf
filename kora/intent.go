package kora

// SignedFieldParams — входные параметры одной попытки авторизации.
// Это ровно тот набор полей, что уходит под подпись.
type SignedFieldParams struct {
	IntentID           string
	AgentID            string
	MandateID          string
	AmountCents        int64
	Currency           string
	VendorID           string
	Nonce              string
	TTLSeconds         int64
	PaymentInstruction *PaymentInstruction
	Metadata           map[string]any
}

// BuildSignedFields собирает подписываемое поддерево интента: 8
// обязательных полей плюс условные payment_instruction и metadata.
// Имена и вложенность должны совпадать с серверным контрактом байт-в-байт,
// иначе сервер не сойдется по подписи. Пустые payment_instruction/metadata
// опускаются целиком — сервер делает то же самое при пересборке.
func BuildSignedFields(p SignedFieldParams) map[string]any {
	fields := map[string]any{
		"intent_id":    p.IntentID,
		"agent_id":     p.AgentID,
		"mandate_id":   p.MandateID,
		"amount_cents": p.AmountCents,
		"currency":     p.Currency,
		"vendor_id":    p.VendorID,
		"nonce":        p.Nonce,
		"ttl_seconds":  p.TTLSeconds,
	}
	if pi := p.PaymentInstruction.asMap(); len(pi) > 0 {
		fields["payment_instruction"] = pi
	}
	if len(p.Metadata) > 0 {
		fields["metadata"] = p.Metadata
	}
	return fields
}

// asMap возвращает только заполненные подполя. Пустая инструкция — nil.
func (pi *PaymentInstruction) asMap() map[string]any {
	if pi == nil {
		return nil
	}
	m := make(map[string]any, 4)
	if pi.RecipientIBAN != "" {
		m["recipient_iban"] = pi.RecipientIBAN
	}
	if pi.RecipientName != "" {
		m["recipient_name"] = pi.RecipientName
	}
	if pi.RecipientBIC != "" {
		m["recipient_bic"] = pi.RecipientBIC
	}
	if pi.PaymentReference != "" {
		m["payment_reference"] = pi.PaymentReference
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
