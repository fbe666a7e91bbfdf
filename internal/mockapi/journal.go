package mockapi

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DecisionRecord — строка журнала решений эмулятора.
type DecisionRecord struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // authorize | observe
	AgentID     string    `json:"agent_id,omitempty"`
	MandateID   string    `json:"mandate_id,omitempty"`
	VendorID    string    `json:"vendor_id,omitempty"`
	AmountCents int64     `json:"amount_cents,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Decision    string    `json:"decision,omitempty"`
	ReasonCode  string    `json:"reason_code,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
}

// Journal — асинхронный журнал решений. Обработчики пишут в неблокирующий
// канал, воркер копит пачку и сбрасывает ее в sink по таймеру или при
// достижении лимита. Задержки записи не влияют на Response Time Hot Path.
// Остановка через Drain Pattern: закрытие канала, вычитка остатка,
// финальный flush.
type Journal struct {
	ch     chan DecisionRecord
	sink   io.Writer
	logger *zap.Logger
	wg     sync.WaitGroup

	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewJournal(sink io.Writer, logger *zap.Logger) *Journal {
	return &Journal{
		ch:     make(chan DecisionRecord, 10000),
		sink:   sink,
		logger: logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	atomic.StoreInt32(&j.isClosed, 1)

	// Даем крошечную паузу, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Log(rec DecisionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.logger.Warn("journal record dropped: journal is stopping", zap.String("id", rec.ID))
		return
	}

	// Load Shedding: при переполнении буфера роняем запись в логгер,
	// а не блокируем обработчик.
	select {
	case j.ch <- rec:
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("agent_id", rec.AgentID),
			zap.String("mandate_id", rec.MandateID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]DecisionRecord, 0, 100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		enc := json.NewEncoder(j.sink)
		for _, rec := range batch {
			if err := enc.Encode(rec); err != nil {
				j.logger.Error("journal flush failed", zap.Error(err))
				break
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остаток, финальный сброс.
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
