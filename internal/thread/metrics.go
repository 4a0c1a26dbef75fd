package thread

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счётчики движка. Нулевой указатель допустим и ничего не считает.
type Metrics struct {
	mutations     *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	pushEvents    *prometheus.CounterVec
	resyncs       prometheus.Counter
	channelDrops  prometheus.Counter
	dangling      prometheus.Counter
}

// NewMetrics регистрирует метрики в reg. При reg == nil метрики создаются
// без регистрации.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commentsync",
			Name:      "mutations_total",
			Help:      "Speculatively applied user intents.",
		}, []string{"op"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commentsync",
			Name:      "rollbacks_total",
			Help:      "Failed intents by operation and failure kind.",
		}, []string{"op", "kind"}),
		confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commentsync",
			Name:      "confirmations_total",
			Help:      "Pending comments confirmed, by confirmation source.",
		}, []string{"source"}),
		pushEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commentsync",
			Name:      "push_events_total",
			Help:      "Push channel events received by operation.",
		}, []string{"op"}),
		resyncs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "commentsync",
			Name:      "resyncs_total",
			Help:      "Full thread resynchronisations applied.",
		}),
		channelDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "commentsync",
			Name:      "channel_drops_total",
			Help:      "Push channel subscriptions lost or refused.",
		}),
		dangling: f.NewCounter(prometheus.CounterOpts{
			Namespace: "commentsync",
			Name:      "dangling_total",
			Help:      "Comments promoted to top level because their parent never arrived.",
		}),
	}
}

func (m *Metrics) mutation(op Op) {
	if m != nil {
		m.mutations.WithLabelValues(string(op)).Inc()
	}
}

func (m *Metrics) rollback(op Op, kind error) {
	if m != nil {
		m.rollbacks.WithLabelValues(string(op), kindLabel(kind)).Inc()
	}
}

func (m *Metrics) confirmed(source string) {
	if m != nil {
		m.confirmations.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) pushEvent(op string) {
	if m != nil {
		m.pushEvents.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) resync() {
	if m != nil {
		m.resyncs.Inc()
	}
}

func (m *Metrics) channelDrop() {
	if m != nil {
		m.channelDrops.Inc()
	}
}

func (m *Metrics) danglingPromoted(n int) {
	if m != nil && n > 0 {
		m.dangling.Add(float64(n))
	}
}
