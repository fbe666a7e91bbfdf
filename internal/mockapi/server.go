// Package mockapi — wire-совместимый эмулятор сервера авторизации трат.
// Поднимает те же эндпоинты, что и боевой API, проверяет подписи агентов
// тем же канонических кодом и скрепляет решения печатью собственного
// нотариуса. Нужен для интеграционных тестов SDK и локальной разработки
// без доступа к продакшену.
package mockapi

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/kora-agent-sdk/internal/policy"
	"go.uber.org/zap"
)

// Config — зависимости эмулятора.
type Config struct {
	// AdminKeyHash — bcrypt-хэш админского ключа. Пустая строка
	// отключает админские операции (симуляция, выпуск scan-токенов).
	AdminKeyHash string

	// ScanTokenSecret — секрет HS256 для scan-токенов наблюдателя.
	ScanTokenSecret []byte

	// JournalSink — куда писать журнал решений (JSON Lines).
	// nil — журнал пишет в io.Discard.
	JournalSink io.Writer

	Logger   *zap.Logger
	Registry prometheus.Registerer
}

type Server struct {
	router  *chi.Mux
	logger  *zap.Logger
	store   *Store
	notary  *Notary
	journal *Journal
	metrics *Metrics

	adminKeyHash string
	scanSecret   []byte
	now          func() time.Time
}

// NewServer собирает эмулятор со всеми зависимостями и запускает
// журнальный воркер. После работы нужно вызвать Close.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("mod", "mockapi"))

	notary, err := NewNotary()
	if err != nil {
		return nil, err
	}

	sink := cfg.JournalSink
	if sink == nil {
		sink = io.Discard
	}

	s := &Server{
		router:       chi.NewRouter(),
		logger:       logger,
		store:        NewStore(),
		notary:       notary,
		journal:      NewJournal(sink, logger),
		metrics:      NewMetrics(cfg.Registry),
		adminKeyHash: cfg.AdminKeyHash,
		scanSecret:   cfg.ScanTokenSecret,
		now:          time.Now,
	}

	s.journal.Start()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/authorize", s.handleAuthorize)
		r.Post("/mandates/{id}/budget", s.handleBudget)
		r.Get("/traces/{id}", s.handleTrace)
		r.Post("/auto/tokens", s.handleIssueScanToken)
		r.Post("/auto/observe", s.handleObserve)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close останавливает журнал с финальным сбросом буфера.
func (s *Server) Close() {
	s.journal.Stop()
}

// RegisterAgent регистрирует публичный ключ агента.
func (s *Server) RegisterAgent(agentID, publicKeyB64 string) {
	s.store.RegisterAgent(agentID, publicKeyB64)
}

// CreateMandate заводит мандат с политикой трат.
func (s *Server) CreateMandate(id string, cfg policy.Config) {
	s.store.CreateMandate(id, cfg)
}

// RevokeMandate — мгновенный kill-switch мандата.
func (s *Server) RevokeMandate(id string) {
	s.store.Revoke(id)
}

// NotaryPublicKey — base64 публичного ключа нотариуса эмулятора.
// Клиент проверяет им печати решений.
func (s *Server) NotaryPublicKey() string {
	return s.notary.PublicKey()
}
