// Package pubsub рассылает события тредов подписчикам push-канала
package pubsub

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oziev02/commentsync/internal/domain"
)

// Hub раздаёт события по тредам. Подписчик, чья очередь переполнена,
// отключается: его поток событий закрывается, и клиент должен
// переподписаться и перечитать тред.
type Hub struct {
	mu      sync.Mutex
	threads map[string]map[*Subscription]struct{}
	buffer  int
	logger  *slog.Logger

	subscribers prometheus.Gauge
	published   prometheus.Counter
	dropped     prometheus.Counter
}

// Subscription подписка на события одного треда
type Subscription struct {
	hub      *Hub
	threadID string
	events   chan domain.Event
	dropped  bool
}

// NewHub создает Hub с очередью buffer событий на подписчика. Метрики
// регистрируются в reg, если он задан.
func NewHub(buffer int, reg prometheus.Registerer, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := promauto.With(reg)
	return &Hub{
		threads: make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		logger:  logger,
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "commentsync",
			Subsystem: "pubsub",
			Name:      "subscribers",
			Help:      "Active push channel subscribers.",
		}),
		published: f.NewCounter(prometheus.CounterOpts{
			Namespace: "commentsync",
			Subsystem: "pubsub",
			Name:      "events_published_total",
			Help:      "Events published to thread subscribers.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "commentsync",
			Subsystem: "pubsub",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected because their queue was full.",
		}),
	}
}

// Subscribe подписывает на события треда
func (h *Hub) Subscribe(threadID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Subscription{
		hub:      h,
		threadID: threadID,
		events:   make(chan domain.Event, h.buffer),
	}
	subs, ok := h.threads[threadID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.threads[threadID] = subs
	}
	subs[s] = struct{}{}
	h.subscribers.Inc()
	return s
}

// Publish рассылает событие подписчикам треда без блокировки
func (h *Hub) Publish(threadID string, event domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.published.Inc()
	for s := range h.threads[threadID] {
		select {
		case s.events <- event:
		default:
			s.dropped = true
			h.removeLocked(s)
			h.dropped.Inc()
			h.logger.Warn("subscriber too slow, dropped", "thread_id", threadID)
		}
	}
}

// Subscribers возвращает число подписчиков треда
func (h *Hub) Subscribers(threadID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.threads[threadID])
}

func (h *Hub) removeLocked(s *Subscription) {
	subs, ok := h.threads[s.threadID]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.threads, s.threadID)
	}
	close(s.events)
	h.subscribers.Dec()
}

// Events возвращает канал событий; он закрывается при отписке или отключении
func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

// Dropped сообщает, была ли подписка отключена из-за переполнения
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Close отписывает; повторный вызов безопасен
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}
