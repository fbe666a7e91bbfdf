package mockapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — счетчики эмулятора. При reg == nil метрики создаются без
// регистрации (Null Object), чтобы тесты не тащили глобальный реестр.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
	DecisionTotal   *prometheus.CounterVec
	HTTPErrors      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "koramock_request_duration_seconds",
			Help:    "Latency of emulator endpoints.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		DecisionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "koramock_decisions_total",
			Help: "Authorization decisions by outcome and reason.",
		}, []string{"decision", "reason_code"}),

		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "koramock_http_errors_total",
			Help: "Error responses by endpoint and code.",
		}, []string{"endpoint", "code"}),
	}
}
