package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/oziev02/commentsync/internal/config"
	httphandler "github.com/oziev02/commentsync/internal/delivery/http"
	"github.com/oziev02/commentsync/internal/domain"
	"github.com/oziev02/commentsync/internal/infrastructure/database"
	"github.com/oziev02/commentsync/internal/infrastructure/memory"
	"github.com/oziev02/commentsync/internal/infrastructure/pubsub"
	"github.com/oziev02/commentsync/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	repo, closeRepo, err := openRepository(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open storage", "storage", cfg.Database.Storage, "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := pubsub.NewHub(cfg.Server.SubscriberBuffer, registry, logger)
	commentUseCase := usecase.NewCommentUseCase(repo, hub, logger)

	corsPolicy := httphandler.NewCORS(cfg.Server.AllowedOrigins)
	mux := httphandler.NewRouter(commentUseCase, hub, registry, logger, corsPolicy.OriginAllowed)

	var handler http.Handler = mux
	handler = corsPolicy.Handler(handler)
	handler = httphandler.LoggingMiddleware(logger, handler)

	// WriteTimeout не задан: websocket-соединения живут долго
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// openRepository открывает хранилище, выбранное в конфигурации
func openRepository(cfg config.DatabaseConfig, logger *slog.Logger) (domain.CommentRepository, func(), error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage, comments are lost on restart")
		return memory.NewRepository(), func() {}, nil
	}

	if cfg.Migrate {
		if err := database.Migrate(cfg.URL()); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connection established")
	return database.NewPostgresRepository(pool), pool.Close, nil
}
