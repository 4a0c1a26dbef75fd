package http

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oziev02/commentsync/internal/infrastructure/pubsub"
	"github.com/oziev02/commentsync/internal/usecase"
)

// NewRouter создает HTTP роутер
func NewRouter(commentUseCase *usecase.CommentUseCase, hub *pubsub.Hub, gatherer prometheus.Gatherer, logger *slog.Logger, allowOrigin func(*http.Request) bool) *http.ServeMux {
	handler := NewCommentHandler(commentUseCase, logger)
	events := NewEventsHandler(hub, logger, allowOrigin)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /threads/{thread}/comments", handler.List)
	mux.HandleFunc("POST /threads/{thread}/comments", handler.Create)
	mux.HandleFunc("GET /threads/{thread}/events", events.Subscribe)
	mux.HandleFunc("PATCH /comments/{id}", handler.Update)
	mux.HandleFunc("DELETE /comments/{id}", handler.Delete)
	mux.HandleFunc("PUT /comments/{id}/like", handler.SetLike)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}
