package kora

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — клиентские метрики авторизации. Подключаются через WithMetrics.
type Metrics struct {
	// Latency логического вызова (включая ретраи)
	RequestDuration *prometheus.HistogramVec

	// Traffic: решения по исходу и коду причины
	TotalRequests *prometheus.CounterVec

	// Errors: терминальные ошибки по классу (network, api, other)
	ErrorTotal *prometheus.CounterVec

	// Сетевые ретраи
	RetryTotal prometheus.Counter
}

// NewMetrics регистрирует метрики. Null Object: если рег не передан,
// используем локальный, который никуда не подключен.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kora_authorize_duration_seconds",
			Help:    "Histogram of authorization call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"decision"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kora_authorize_total",
			Help: "Total number of completed authorization calls.",
		}, []string{"decision", "reason_code"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kora_authorize_errors_total",
			Help: "Total number of terminal authorization errors by class.",
		}, []string{"type"}),

		RetryTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kora_authorize_retries_total",
			Help: "Total number of network-level retries.",
		}),
	}
}
