package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oziev02/commentsync/internal/infrastructure/pubsub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// EventsHandler отдаёт события треда по websocket
type EventsHandler struct {
	hub      *pubsub.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewEventsHandler создает обработчик push-канала. allowOrigin проверяет
// заголовок Origin; nil разрешает любой источник.
func NewEventsHandler(hub *pubsub.Hub, logger *slog.Logger, allowOrigin func(*http.Request) bool) *EventsHandler {
	return &EventsHandler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return r.Header.Get("Origin") == "" || allowOrigin == nil || allowOrigin(r)
			},
		},
	}
}

// Subscribe обрабатывает GET /threads/{thread}/events
func (h *EventsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	if threadID == "" {
		http.Error(w, "thread id is required", http.StatusBadRequest)
		return
	}

	// подписка до рукопожатия: событие, опубликованное сразу после него,
	// не должно потеряться
	sub := h.hub.Subscribe(threadID)
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "thread_id", threadID, "error", err)
		return
	}
	defer conn.Close()
	h.logger.Info("push subscriber connected", "thread_id", threadID, "remote", r.RemoteAddr)

	// клиент ничего не шлёт; чтение нужно, чтобы заметить закрытие и получать pong
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Info("push subscriber disconnected", "thread_id", threadID)
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				reason := "unsubscribed"
				if sub.Dropped() {
					reason = "subscriber too slow"
				}
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Warn("push write failed", "thread_id", threadID, "error", err)
				return
			}
		}
	}
}
