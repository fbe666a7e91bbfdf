package mockapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/kora-agent-sdk/internal/policy"
	"github.com/xela07ax/kora-agent-sdk/kora"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Транспортные заголовки протокола (дублируют клиентские константы:
// пакет kora их не экспортирует).
const (
	headerAgentID   = "X-Agent-Id"
	headerSignature = "X-Agent-Signature"
	headerSimulate  = "X-Kora-Simulate"
	headerScanToken = "X-Scan-Token"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, endpoint string, status int, code, message string) {
	s.metrics.HTTPErrors.WithLabelValues(endpoint, code).Inc()
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

// checkAdminKey сверяет bearer-ключ с bcrypt-хэшем из конфига.
// Хэш на диске, исходный ключ нигде не хранится.
func (s *Server) checkAdminKey(r *http.Request) bool {
	if s.adminKeyHash == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	key, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.adminKeyHash), []byte(key)) == nil
}

// handleAuthorize — POST /v1/authorize. Полный серверный конвейер:
// проверка подписи по пересобранному подписываемому поддереву, политика
// мандата, печать нотариуса, журнал.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	const endpoint = "authorize"
	started := s.now()
	defer func() {
		s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	}()

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, "INVALID_REQUEST", "request body is not valid JSON")
		return
	}

	agentID := stringField(body, "agent_id")
	if agentID == "" {
		agentID = r.Header.Get(headerAgentID)
	}
	pubKey, ok := s.store.AgentKey(agentID)
	if !ok {
		s.writeError(w, endpoint, http.StatusUnauthorized, "UNKNOWN_AGENT", "agent is not registered")
		return
	}

	// Пересборка подписываемого поддерева из тела запроса. Канонизация
	// обязана дать байт-в-байт то же, что подписал клиент.
	signed := rebuildSignedFields(body)
	canonical, err := kora.Canonicalize(signed)
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, "INVALID_REQUEST", "request is not canonicalizable")
		return
	}
	if !kora.VerifySignature(canonical, r.Header.Get(headerSignature), pubKey) {
		s.writeError(w, endpoint, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	amountCents := intField(body, "amount_cents")
	currency := stringField(body, "currency")
	vendor := stringField(body, "vendor_id")
	mandateID := stringField(body, "mandate_id")
	intentID := stringField(body, "intent_id")
	ttl := intField(body, "ttl_seconds")
	if ttl <= 0 {
		ttl = 300
	}

	if err := policy.ValidateSpend(vendor, amountCents, currency); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	currency = policy.NormalizeCurrency(currency)
	vendor = policy.NormalizeVendor(vendor)

	if s.store.IsRevoked(mandateID) {
		s.writeError(w, endpoint, http.StatusForbidden, "MANDATE_REVOKED", "mandate has been revoked")
		return
	}

	// Форсированный отказ: непродовый заголовок симуляции, только под
	// валидным админским ключом. Счетчики трат не трогаются.
	if simulate := r.Header.Get(headerSimulate); simulate != "" {
		if !s.checkAdminKey(r) {
			s.writeError(w, endpoint, http.StatusUnauthorized, "ADMIN_KEY_INVALID", "simulation requires a valid admin key")
			return
		}
		snapshot, version, ok := s.store.MandateSnapshot(mandateID)
		if !ok {
			s.writeError(w, endpoint, http.StatusNotFound, "MANDATE_NOT_FOUND", "mandate does not exist")
			return
		}
		outcome := policy.Outcome{
			ReasonCode: strings.ToUpper(simulate),
			Message:    "Simulated denial: " + strings.ToUpper(simulate),
			Hint:       "Remove the simulation header to run the real evaluation.",
			Steps:      []policy.Step{{Check: "simulation", Result: "fail"}},
		}
		s.respondDecision(w, r, decisionInput{
			endpoint: endpoint, started: started,
			intentID: intentID, agentID: agentID, mandateID: mandateID,
			mandateVersion: version, amountCents: amountCents,
			currency: currency, vendor: vendor, ttl: ttl,
			outcome: outcome, limits: snapshot, simulated: true,
		})
		return
	}

	outcome, snapshot, version, found := s.store.EvaluateSpend(mandateID, amountCents, currency, vendor)
	if !found {
		s.writeError(w, endpoint, http.StatusNotFound, "MANDATE_NOT_FOUND", "mandate does not exist")
		return
	}

	s.respondDecision(w, r, decisionInput{
		endpoint: endpoint, started: started,
		intentID: intentID, agentID: agentID, mandateID: mandateID,
		mandateVersion: version, amountCents: amountCents,
		currency: currency, vendor: vendor, ttl: ttl,
		outcome: outcome, limits: snapshot,
	})
}

type decisionInput struct {
	endpoint string
	started  time.Time

	intentID       string
	agentID        string
	mandateID      string
	mandateVersion int64
	amountCents    int64
	currency       string
	vendor         string
	ttl            int64

	outcome   policy.Outcome
	limits    LimitsSnapshot
	simulated bool
}

// respondDecision собирает полный ответ решения: печать, трейс, лимиты.
func (s *Server) respondDecision(w http.ResponseWriter, r *http.Request, in decisionInput) {
	now := s.now().UTC()
	evaluatedAt := isoMillis(now)

	decision := "DENIED"
	if in.outcome.Approved {
		decision = "APPROVED"
	}

	decisionID := "dec_" + hexID()
	resp := map[string]any{
		"decision":         decision,
		"decision_id":      decisionID,
		"reason_code":      in.outcome.ReasonCode,
		"intent_id":        in.intentID,
		"agent_id":         in.agentID,
		"mandate_id":       in.mandateID,
		"mandate_version":  in.mandateVersion,
		"amount_cents":     in.amountCents,
		"currency":         in.currency,
		"vendor_id":        in.vendor,
		"evaluated_at":     evaluatedAt,
		"ttl_seconds":      in.ttl,
		"enforcement_mode": "enforce",
		"executable":       in.outcome.Approved,
		"simulated":        in.simulated,
	}

	if in.outcome.Approved {
		resp["message"] = in.outcome.Message
		resp["expires_at"] = isoMillis(now.Add(time.Duration(in.ttl) * time.Second))
		resp["limits_after_approval"] = map[string]any{
			"daily_remaining_cents":   in.limits.DailyRemainingCents,
			"monthly_remaining_cents": in.limits.MonthlyRemainingCents,
			"daily_spent_cents":       in.limits.DailySpentCents,
			"monthly_spent_cents":     in.limits.MonthlySpentCents,
		}
	} else {
		actionable := map[string]any{}
		if in.outcome.RetryWithCents > 0 {
			actionable["available_cents"] = in.outcome.RetryWithCents
		}
		failedCheck := ""
		if n := len(in.outcome.Steps); n > 0 {
			failedCheck = in.outcome.Steps[n-1].Check
		}
		resp["denial"] = map[string]any{
			"reason_code":  in.outcome.ReasonCode,
			"message":      in.outcome.Message,
			"hint":         in.outcome.Hint,
			"actionable":   actionable,
			"failed_check": map[string]any{"check": failedCheck},
		}
		resp["limits_current"] = map[string]any{
			"daily_spent_cents":   in.limits.DailySpentCents,
			"daily_limit_cents":   in.limits.DailyLimitCents,
			"monthly_spent_cents": in.limits.MonthlySpentCents,
			"monthly_limit_cents": in.limits.MonthlyLimitCents,
		}
	}

	// Печать считается по тем же полям, из которых клиент пересоберет
	// payload при проверке.
	sealPayload := map[string]any{
		"intent_id":        in.intentID,
		"mandate_id":       in.mandateID,
		"mandate_version":  in.mandateVersion,
		"status":           decision,
		"reason_code":      in.outcome.ReasonCode,
		"amount_cents":     in.amountCents,
		"currency":         in.currency,
		"vendor_id":        in.vendor,
		"evaluated_at":     evaluatedAt,
		"ttl_seconds":      in.ttl,
		"enforcement_mode": "enforce",
		"executable":       in.outcome.Approved,
	}
	seal, err := s.notary.Seal(sealPayload, evaluatedAt)
	if err != nil {
		s.logger.Error("seal decision failed", zap.Error(err))
		s.writeError(w, in.endpoint, http.StatusInternalServerError, "INTERNAL", "failed to seal decision")
		return
	}
	resp["notary_seal"] = seal

	traceID := "trc_" + hexID()
	trace := buildTrace(in.outcome.Steps, time.Since(in.started))
	s.store.PutTrace(traceID, trace)
	resp["evaluation_trace"] = trace
	resp["trace_url"] = "/v1/traces/" + traceID

	s.metrics.DecisionTotal.WithLabelValues(decision, in.outcome.ReasonCode).Inc()
	s.journal.Log(DecisionRecord{
		ID:          decisionID,
		Kind:        "authorize",
		AgentID:     in.agentID,
		MandateID:   in.mandateID,
		VendorID:    in.vendor,
		AmountCents: in.amountCents,
		Currency:    in.currency,
		Decision:    decision,
		ReasonCode:  in.outcome.ReasonCode,
		Timestamp:   now,
		DurationMs:  time.Since(in.started).Milliseconds(),
	})

	s.writeJSON(w, http.StatusOK, resp)
}

// handleBudget — POST /v1/mandates/{id}/budget. Подписанный запрос;
// отозванный или неизвестный мандат неотличимы снаружи (оба 404).
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	const endpoint = "budget"
	started := s.now()
	defer func() {
		s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	}()

	mandateID := chi.URLParam(r, "id")

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, "INVALID_REQUEST", "request body is not valid JSON")
		return
	}

	agentID := r.Header.Get(headerAgentID)
	pubKey, ok := s.store.AgentKey(agentID)
	if !ok {
		s.writeError(w, endpoint, http.StatusUnauthorized, "UNKNOWN_AGENT", "agent is not registered")
		return
	}

	canonical, err := kora.Canonicalize(map[string]any{"mandate_id": stringField(body, "mandate_id")})
	if err != nil || !kora.VerifySignature(canonical, r.Header.Get(headerSignature), pubKey) {
		s.writeError(w, endpoint, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	if s.store.IsRevoked(mandateID) {
		s.writeError(w, endpoint, http.StatusNotFound, "NOT_FOUND", "Mandate not found or revoked")
		return
	}
	cfg, snapshot, ok := s.store.BudgetView(mandateID)
	if !ok {
		s.writeError(w, endpoint, http.StatusNotFound, "NOT_FOUND", "Mandate not found or revoked")
		return
	}

	now := s.now().UTC()
	var perTx any
	if cfg.PerTransactionMaxCents > 0 {
		perTx = cfg.PerTransactionMaxCents
	}
	var vendors any
	if cfg.AllowedVendors != nil {
		vendors = cfg.AllowedVendors
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"currency":         cfg.Currency,
		"status":           "active",
		"spend_allowed":    true,
		"enforcement_mode": "enforce",
		"daily": map[string]any{
			"limit_cents":     snapshot.DailyLimitCents,
			"spent_cents":     snapshot.DailySpentCents,
			"remaining_cents": snapshot.DailyRemainingCents,
			"resets_at":       isoSeconds(policy.NextDailyReset(now)),
		},
		"monthly": map[string]any{
			"limit_cents":     snapshot.MonthlyLimitCents,
			"spent_cents":     snapshot.MonthlySpentCents,
			"remaining_cents": snapshot.MonthlyRemainingCents,
			"resets_at":       isoSeconds(policy.NextMonthlyReset(now)),
		},
		"per_transaction_max_cents": perTx,
		"velocity":                  nil,
		"allowed_vendors":           vendors,
		"allowed_categories":        nil,
		"time_window":               nil,
	})
}

// handleTrace — GET /v1/traces/{id}.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	trace, ok := s.store.Trace(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, "trace", http.StatusNotFound, "NOT_FOUND", "trace does not exist")
		return
	}
	s.writeJSON(w, http.StatusOK, trace)
}

// handleIssueScanToken — POST /v1/auto/tokens. Выпуск HS256 scan-токена
// для наблюдателя, только под админским ключом.
func (s *Server) handleIssueScanToken(w http.ResponseWriter, r *http.Request) {
	const endpoint = "tokens"
	if !s.checkAdminKey(r) {
		s.writeError(w, endpoint, http.StatusUnauthorized, "ADMIN_KEY_INVALID", "token issuance requires a valid admin key")
		return
	}
	if len(s.scanSecret) == 0 {
		s.writeError(w, endpoint, http.StatusServiceUnavailable, "SCAN_DISABLED", "scan token secret is not configured")
		return
	}

	now := s.now()
	claims := jwt.MapClaims{
		"sub":   "scan",
		"iss":   "koramock",
		"scope": "observe",
		"iat":   now.Unix(),
		"exp":   now.Add(24 * time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.scanSecret)
	if err != nil {
		s.writeError(w, endpoint, http.StatusInternalServerError, "INTERNAL", "failed to sign scan token")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"scan_token": token,
		"expires_at": isoSeconds(now.Add(24 * time.Hour)),
	})
}

// handleObserve — POST /v1/auto/observe. Принимает наблюдение от
// беспривилегированного сканера под scan-токеном и пишет его в журнал.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	const endpoint = "observe"

	tokenStr := r.Header.Get(headerScanToken)
	if tokenStr == "" || len(s.scanSecret) == 0 {
		s.writeError(w, endpoint, http.StatusUnauthorized, "SCAN_TOKEN_INVALID", "scan token is missing or invalid")
		return
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.scanSecret, nil
	})
	if err != nil || !token.Valid {
		s.writeError(w, endpoint, http.StatusUnauthorized, "SCAN_TOKEN_INVALID", "scan token is missing or invalid")
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, "INVALID_REQUEST", "request body is not valid JSON")
		return
	}

	spend, _ := body["spend"].(map[string]any)
	if spend == nil {
		spend = map[string]any{}
	}
	s.journal.Log(DecisionRecord{
		ID:          "obs_" + hexID(),
		Kind:        "observe",
		VendorID:    stringField(spend, "vendor_id"),
		AmountCents: intField(spend, "amount_cents"),
		Currency:    stringField(spend, "currency"),
		ReasonCode:  stringField(body, "signal_type"),
		Timestamp:   s.now(),
	})

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// rebuildSignedFields повторяет клиентскую сборку подписываемого
// поддерева: 8 обязательных полей, payment_instruction только с
// непустыми подполями, metadata как есть.
func rebuildSignedFields(body map[string]any) map[string]any {
	signed := map[string]any{
		"intent_id":    body["intent_id"],
		"agent_id":     body["agent_id"],
		"mandate_id":   body["mandate_id"],
		"amount_cents": body["amount_cents"],
		"currency":     body["currency"],
		"vendor_id":    body["vendor_id"],
		"nonce":        body["nonce"],
		"ttl_seconds":  body["ttl_seconds"],
	}

	if pi, ok := body["payment_instruction"].(map[string]any); ok {
		rebuilt := map[string]any{}
		for _, k := range []string{"recipient_iban", "recipient_name", "recipient_bic", "payment_reference"} {
			if s, ok := pi[k].(string); ok && s != "" {
				rebuilt[k] = s
			}
		}
		if len(rebuilt) > 0 {
			signed["payment_instruction"] = rebuilt
		}
	}
	if meta, ok := body["metadata"].(map[string]any); ok && len(meta) > 0 {
		signed["metadata"] = meta
	}
	return signed
}

func buildTrace(steps []policy.Step, elapsed time.Duration) map[string]any {
	out := make([]any, 0, len(steps))
	for i, st := range steps {
		out = append(out, map[string]any{
			"step":        i + 1,
			"check":       st.Check,
			"result":      st.Result,
			"duration_ms": int64(0),
		})
	}
	return map[string]any{
		"steps":             out,
		"total_duration_ms": elapsed.Milliseconds(),
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case json.Number:
		v, _ := n.Int64()
		return v
	}
	return 0
}

func hexID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func isoMillis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000") + "Z"
}

func isoSeconds(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05") + "Z"
}
