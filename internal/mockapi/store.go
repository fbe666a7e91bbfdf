package mockapi

import (
	"sync"
	"time"

	"github.com/xela07ax/kora-agent-sdk/internal/policy"
)

// MandateRecord — мандат эмулятора: политика + журнал трат.
type MandateRecord struct {
	ID      string
	Version int64
	Policy  policy.Config
	Ledger  policy.Ledger
}

// LimitsSnapshot — снимок счетчиков для блоков limits_* в ответе.
type LimitsSnapshot struct {
	DailySpentCents       int64
	DailyLimitCents       int64
	DailyRemainingCents   int64
	MonthlySpentCents     int64
	MonthlyLimitCents     int64
	MonthlyRemainingCents int64
}

// Store — in-memory состояние эмулятора: реестр агентов, мандаты,
// отозванные мандаты и сохраненные трейсы. Потокобезопасная мапа под
// RWMutex — в рантайме обработчики ходят только в память.
type Store struct {
	mu       sync.RWMutex
	agents   map[string]string // agent_id -> base64 публичный ключ
	mandates map[string]*MandateRecord
	revoked  map[string]struct{}
	traces   map[string]map[string]any

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		agents:   make(map[string]string),
		mandates: make(map[string]*MandateRecord),
		revoked:  make(map[string]struct{}),
		traces:   make(map[string]map[string]any),
		now:      time.Now,
	}
}

// RegisterAgent кладет публичный ключ агента в реестр.
func (s *Store) RegisterAgent(agentID, publicKeyB64 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentID] = publicKeyB64
}

// AgentKey возвращает публичный ключ зарегистрированного агента.
func (s *Store) AgentKey(agentID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.agents[agentID]
	return key, ok
}

// CreateMandate регистрирует мандат с политикой.
func (s *Store) CreateMandate(id string, cfg policy.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mandates[id] = &MandateRecord{
		ID:      id,
		Version: 1,
		Policy:  cfg,
		Ledger:  policy.NewLedger(s.now()),
	}
}

// Revoke помечает мандат отозванным: бюджет отвечает 404, авторизация 403.
// Мгновенный kill-switch на случай скомпрометированного агента.
func (s *Store) Revoke(mandateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[mandateID] = struct{}{}
}

// IsRevoked — быстрая проверка для Hot Path обработчиков.
func (s *Store) IsRevoked(mandateID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[mandateID]
	return ok
}

// EvaluateSpend прогоняет заявку через конвейер и фиксирует одобренную
// сумму. Вся связка rollover → evaluate → commit идет под одним замком:
// конкурентные заявки не могут одновременно пройти по одному остатку.
func (s *Store) EvaluateSpend(mandateID string, amountCents int64, currency, vendor string) (policy.Outcome, LimitsSnapshot, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.mandates[mandateID]
	if !ok {
		return policy.Outcome{}, LimitsSnapshot{}, 0, false
	}

	rec.Ledger.Rollover(s.now())
	outcome := policy.Evaluate(rec.Policy, &rec.Ledger, amountCents, currency, vendor)
	if outcome.Approved {
		rec.Ledger.Commit(amountCents)
	}

	return outcome, snapshotLimits(rec), rec.Version, true
}

// MandateSnapshot — текущие счетчики без прогона конвейера. Нужен для
// форсированных отказов: заголовок симуляции не трогает траты.
func (s *Store) MandateSnapshot(mandateID string) (LimitsSnapshot, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.mandates[mandateID]
	if !ok {
		return LimitsSnapshot{}, 0, false
	}
	rec.Ledger.Rollover(s.now())
	return snapshotLimits(rec), rec.Version, true
}

// BudgetView возвращает состояние бюджета мандата (ленивый rollover,
// без мутации трат).
func (s *Store) BudgetView(mandateID string) (policy.Config, LimitsSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.mandates[mandateID]
	if !ok {
		return policy.Config{}, LimitsSnapshot{}, false
	}
	rec.Ledger.Rollover(s.now())
	return rec.Policy, snapshotLimits(rec), true
}

// PutTrace сохраняет evaluation_trace для выдачи по trace_url.
func (s *Store) PutTrace(traceID string, trace map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[traceID] = trace
}

// Trace достает сохраненный трейс.
func (s *Store) Trace(traceID string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[traceID]
	return t, ok
}

func snapshotLimits(rec *MandateRecord) LimitsSnapshot {
	return LimitsSnapshot{
		DailySpentCents:       rec.Ledger.DailySpentCents,
		DailyLimitCents:       rec.Policy.DailyLimitCents,
		DailyRemainingCents:   rec.Policy.DailyLimitCents - rec.Ledger.DailySpentCents,
		MonthlySpentCents:     rec.Ledger.MonthlySpentCents,
		MonthlyLimitCents:     rec.Policy.MonthlyLimitCents,
		MonthlyRemainingCents: rec.Policy.MonthlyLimitCents - rec.Ledger.MonthlySpentCents,
	}
}
