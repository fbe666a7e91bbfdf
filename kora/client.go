package kora

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL — боевой endpoint авторизации.
const DefaultBaseURL = "https://api.koraprotocol.com"

const (
	defaultTTLSeconds     = 300
	defaultMaxRetries     = 2
	defaultAttemptTimeout = 30 * time.Second
)

// Транспортные заголовки протокола.
const (
	headerAgentID   = "X-Agent-Id"
	headerSignature = "X-Agent-Signature"
	headerSimulate  = "X-Kora-Simulate"
)

type options struct {
	baseURL        string
	ttlSeconds     int64
	maxRetries     int
	attemptTimeout time.Duration
	httpClient     *http.Client
	logger         *zap.Logger
	metrics        *Metrics
	logDenials     bool
}

func defaultOptions() options {
	return options{
		baseURL:        DefaultBaseURL,
		ttlSeconds:     defaultTTLSeconds,
		maxRetries:     defaultMaxRetries,
		attemptTimeout: defaultAttemptTimeout,
		httpClient:     &http.Client{},
		logger:         zap.NewNop(),
		logDenials:     true,
	}
}

// Option настраивает Engine и Kora.
type Option func(*options)

// WithBaseURL переопределяет endpoint сервера авторизации.
func WithBaseURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.baseURL = url
		}
	}
}

// WithTTL задает дефолтный ttl_seconds интентов.
func WithTTL(seconds int64) Option {
	return func(o *options) {
		if seconds > 0 {
			o.ttlSeconds = seconds
		}
	}
}

// WithMaxRetries задает число повторов сверх первой попытки
// (только для сетевых сбоев).
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithAttemptTimeout ограничивает каждую сетевую попытку по времени;
// превышение классифицируется как сетевой сбой и уходит на ретрай.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.attemptTimeout = d
		}
	}
}

// WithHTTPClient подменяет HTTP-клиент (кастомные транспорты, тесты).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithLogger подключает zap-логгер для диагностики (по умолчанию Nop).
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics подключает prometheus-метрики клиента.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDenialLogging управляет выводом KORA_DENIAL записей (по умолчанию вкл).
func WithDenialLogging(enabled bool) Option {
	return func(o *options) { o.logDenials = enabled }
}

// Engine — низкоуровневый клиент авторизации: строит подписанный интент,
// гоняет его через идемпотентный retry-цикл и нормализует ответ.
// Для простого двухметодного API см. Kora (New / NewSandbox).
type Engine struct {
	agentID string
	key     ed25519.PrivateKey

	baseURL        string
	ttlSeconds     int64
	maxRetries     int
	attemptTimeout time.Duration

	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics

	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

// AuthorizeRequest — параметры одного логического запроса авторизации.
type AuthorizeRequest struct {
	Mandate     string
	AmountCents int64
	Currency    string
	Vendor      string

	Category   string
	Purpose    string
	TTLSeconds int64

	PaymentInstruction *PaymentInstruction
	Metadata           map[string]any

	// Заголовки симуляции для непродовых стендов: форсированный код
	// отказа + админский bearer-ключ
	Simulate string
	AdminKey string
}

// NewEngine разбирает секрет агента и собирает клиент.
func NewEngine(secret string, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	key, err := ParseAgentKey(secret)
	if err != nil {
		return nil, err
	}

	return &Engine{
		agentID:        key.AgentID,
		key:            key.PrivateKey,
		baseURL:        o.baseURL,
		ttlSeconds:     o.ttlSeconds,
		maxRetries:     o.maxRetries,
		attemptTimeout: o.attemptTimeout,
		httpClient:     o.httpClient,
		logger:         o.logger.With(zap.String("mod", "kora-engine")),
		metrics:        o.metrics,
		limiter:        newClientLimiter(),
		cb:             newAuthorizeBreaker(),
	}, nil
}

// AgentID возвращает идентификатор агента из секрета.
func (e *Engine) AgentID() string {
	return e.agentID
}

// Authorize выполняет авторизацию траты.
//
// Один intent_id (ключ идемпотентности) генерируется на логический вызов
// и без изменений переживает все попытки; nonce — криптослучайный и
// свежий на каждую попытку, поэтому подпись каждой попытки уникальна.
// Ретраи — только по сетевым сбоям, строго последовательно, не больше
// 1+maxRetries попыток; любой завершившийся round-trip (включая DENIED —
// это нормальный успешный ответ) немедленно останавливает цикл.
// Исчерпание попыток отдает последний сетевой сбой.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizationResult, error) {
	intentID := uuid.New().String()
	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = e.ttlSeconds
	}

	start := time.Now()

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	cbResult, err := e.cb.Execute(func() (interface{}, error) {
		return e.authorizeWithRetry(ctx, intentID, ttl, req)
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.ErrorTotal.WithLabelValues(classifyErrorLabel(err)).Inc()
		}
		return nil, err
	}

	result := cbResult.(*AuthorizationResult)

	if e.metrics != nil {
		e.metrics.TotalRequests.WithLabelValues(result.Decision, result.ReasonCode).Inc()
		e.metrics.RequestDuration.WithLabelValues(result.Decision).Observe(time.Since(start).Seconds())
	}

	if result.Decision == "DENIED" && result.TraceURL != nil && *result.TraceURL != "" {
		e.logger.Warn("authorization denied",
			zap.String("reason_code", result.ReasonCode),
			zap.String("trace", e.baseURL+*result.TraceURL),
		)
	}
	return result, nil
}

func (e *Engine) authorizeWithRetry(ctx context.Context, intentID string, ttl int64, req AuthorizeRequest) (*AuthorizationResult, error) {
	var result *AuthorizationResult

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(e.maxRetries+1)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Debug("retrying authorization",
				zap.Uint("attempt", n+1),
				zap.String("intent_id", intentID),
				zap.Error(err),
			)
			if e.metrics != nil {
				e.metrics.RetryTotal.Inc()
			}
		}),
	)

	err := r.Do(func() error {
		nonce, err := newNonce()
		if err != nil {
			return retry.Unrecoverable(err)
		}

		// Пересборка и переподпись на каждой попытке: nonce новый,
		// intent_id прежний
		signed := BuildSignedFields(SignedFieldParams{
			IntentID:           intentID,
			AgentID:            e.agentID,
			MandateID:          req.Mandate,
			AmountCents:        req.AmountCents,
			Currency:           req.Currency,
			VendorID:           req.Vendor,
			Nonce:              nonce,
			TTLSeconds:         ttl,
			PaymentInstruction: req.PaymentInstruction,
			Metadata:           req.Metadata,
		})
		canonical, err := Canonicalize(signed)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		signature := SignMessage(canonical, e.key)

		body := map[string]any{
			"intent_id":    intentID,
			"agent_id":     e.agentID,
			"mandate_id":   req.Mandate,
			"amount_cents": req.AmountCents,
			"currency":     req.Currency,
			"vendor_id":    req.Vendor,
			"nonce":        nonce,
			"ttl_seconds":  ttl,
		}
		if req.Category != "" {
			body["category"] = req.Category
		}
		if req.Purpose != "" {
			body["purpose"] = req.Purpose
		}
		if pi := req.PaymentInstruction.asMap(); len(pi) > 0 {
			body["payment_instruction"] = pi
		}
		if len(req.Metadata) > 0 {
			body["metadata"] = req.Metadata
		}

		headers := map[string]string{
			headerAgentID:   e.agentID,
			headerSignature: signature,
		}
		if req.Simulate != "" {
			headers[headerSimulate] = req.Simulate
			if req.AdminKey != "" {
				headers["Authorization"] = "Bearer " + req.AdminKey
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()

		raw, _, err := e.postJSON(attemptCtx, "/v1/authorize", body, headers)
		if err != nil {
			var netErr *NetworkError
			if errors.As(err, &netErr) {
				return err
			}
			// HTTP >= 400 и прочие прикладные ошибки терминальны
			return retry.Unrecoverable(err)
		}

		result = ParseResponse(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// VerifySeal проверяет нотариальную печать результата. Payload решения
// пересобирается строго из полей, перечисленных в seal.signed_fields:
// поля вне списка не попадают в payload, даже если известны.
func (e *Engine) VerifySeal(res *AuthorizationResult, publicKeyB64 string) bool {
	if res == nil || res.NotarySeal == nil {
		return false
	}

	fieldMap := map[string]any{
		"intent_id":        res.IntentID,
		"mandate_id":       deref(res.MandateID),
		"mandate_version":  deref(res.MandateVersion),
		"status":           res.Decision,
		"reason_code":      res.ReasonCode,
		"amount_cents":     deref(res.AmountCents),
		"currency":         deref(res.Currency),
		"vendor_id":        deref(res.VendorID),
		"evaluated_at":     res.EvaluatedAt,
		"ttl_seconds":      deref(res.TTLSeconds),
		"enforcement_mode": deref(res.EnforcementMode),
		"executable":       res.Executable,
	}

	payload := make(map[string]any, len(res.NotarySeal.SignedFields))
	for _, f := range res.NotarySeal.SignedFields {
		if v, ok := fieldMap[f]; ok {
			payload[f] = v
		}
	}

	return VerifyDecisionSeal(payload, res.NotarySeal.Signature, publicKeyB64)
}

// newNonce — 16 криптослучайных байт в base64, свежие на каждую попытку.
// Уникальность держится на источнике случайности; отдельной обработки
// коллизий нет.
func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// deref разворачивает указатель в any; nil остается nil (канонизируется
// в null — так же сервер сериализует отсутствующее значение).
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func classifyErrorLabel(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return "api"
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "network"
	}
	return "other"
}
