package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "waassist"

// Metrics набор коллекторов сервиса. Все методы безопасны для nil-получателя,
// чтобы компоненты можно было собирать без метрик (в тестах и утилитах).
type Metrics struct {
	backendRequests *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	backendRetries  *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	evictions       prometheus.Counter
	deliveries      *prometheus.CounterVec
}

// New создаёт коллекторы и регистрирует их в reg.
// reg == nil означает prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Requests to the generation backend by operation and outcome.",
		}, []string{"operation", "outcome"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend call latency including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		backendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_retries_total",
			Help:      "Backend retries by reason.",
		}, []string{"reason"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_decisions_total",
			Help:      "Reply policy decisions.",
		}, []string{"should_reply"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_fallbacks_total",
			Help:      "Degraded responses by kind.",
		}, []string{"kind"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_evicted_total",
			Help:      "Conversations removed by the sweeper.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_deliveries_total",
			Help:      "Replies sent to the WhatsApp gateway by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.backendRequests,
		m.backendLatency,
		m.backendRetries,
		m.decisions,
		m.fallbacks,
		m.evictions,
		m.deliveries,
	)
	return m
}

// RegisterActiveConversations регистрирует gauge числа активных диалогов.
func RegisterActiveConversations(reg prometheus.Registerer, count func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "conversations_active",
		Help:      "Conversations currently held in memory.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) ObserveBackend(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.backendRequests.WithLabelValues(operation, outcome).Inc()
	m.backendLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.backendRetries.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDecision(shouldReply bool) {
	if m == nil {
		return
	}
	label := "false"
	if shouldReply {
		label = "true"
	}
	m.decisions.WithLabelValues(label).Inc()
}

func (m *Metrics) IncFallback(kind string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) IncDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}
