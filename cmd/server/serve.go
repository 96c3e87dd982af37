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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/cpf-advisor/internal/advisor"
	"github.com/ashureev/cpf-advisor/internal/api"
	"github.com/ashureev/cpf-advisor/internal/auth"
	"github.com/ashureev/cpf-advisor/internal/completion"
	"github.com/ashureev/cpf-advisor/internal/config"
	"github.com/ashureev/cpf-advisor/internal/content"
	"github.com/ashureev/cpf-advisor/internal/identity"
	"github.com/ashureev/cpf-advisor/internal/middleware"
	"github.com/ashureev/cpf-advisor/internal/stats"
	"github.com/ashureev/cpf-advisor/internal/store"
	"github.com/ashureev/cpf-advisor/internal/sweeper"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat widget HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"store", cfg.Store.Backend, "provider", cfg.Completion.Provider)

	repo, err := store.Open(cfg.Store, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()

	pingCtx, cancelPing := context.WithTimeout(parent, 5*time.Second)
	err = repo.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("session store health check failed: %w", err)
	}
	slog.Info("Session store connected", "backend", cfg.Store.Backend)

	completer, closeCompleter, err := completion.Open(cfg.Completion, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize completion provider: %w", err)
	}
	defer closeCompleter()

	pages, err := content.Load()
	if err != nil {
		return fmt.Errorf("failed to load page content: %w", err)
	}

	conversationLogger, err := advisor.NewConversationLogger(cfg.ConversationLog, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	svc := advisor.NewService(cfg, repo, completer, pages, conversationLogger, logger)
	defer svc.Close()

	gate := auth.NewGate(cfg.Auth, !cfg.IsDevelopment())
	sockets := api.NewSocketManager()

	handler, err := api.NewHandler(svc, gate, sockets, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}
	healthHandler := api.NewHealthHandler(repo, stats.NewProber(nil, cfg.StatsTimeout, logger))

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	handler.RegisterRoutes(r)

	// No WriteTimeout: chat completions and WebSocket connections are long lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sw := sweeper.New(repo, cfg.SessionTTL, 0, sockets.CloseSession, logger)
	sw.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			sw.Wait()
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	sw.Wait()

	slog.Info("Server stopped successfully")
	return nil
}
