// Package server собирает HTTP сервер эталонного сервиса данных.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/iudanet/posync/internal/server/handlers"
	"github.com/iudanet/posync/internal/server/middleware"
)

// Storage хранилище, которое обслуживает сервер
type Storage interface {
	handlers.RecordStorage
	handlers.Pinger
}

// Config параметры HTTP сервера
type Config struct {
	Addr            string
	Version         string
	JWT             handlers.JWTConfig
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TokenRate       int // TokenRate запросов на выпуск токена за TokenWindow с одного адреса
	TokenWindow     time.Duration
	DevTokens       bool // DevTokens включает POST /auth/v1/token
}

// Server HTTP сервер сервиса данных
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
	limiter *middleware.RateLimiter
}

// New создает сервер и регистрирует маршруты
func New(cfg Config, storage Storage, logger *slog.Logger) *Server {
	if cfg.TokenRate <= 0 {
		cfg.TokenRate = 10
	}
	if cfg.TokenWindow <= 0 {
		cfg.TokenWindow = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoveryMiddleware(logger))
	r.Use(middleware.LoggingMiddleware(logger, "/health"))

	health := handlers.NewHealthHandler(logger, storage, cfg.Version)
	r.Get("/health", health.Health)

	if cfg.DevTokens {
		limit, limiter := middleware.RateLimitMiddleware(cfg.TokenRate, cfg.TokenWindow, logger)
		s.limiter = limiter
		tokens := handlers.NewTokenHandler(logger, cfg.JWT)
		r.With(limit).Post("/auth/v1/token", tokens.Issue)
	}

	rest := handlers.NewRestHandler(logger, storage)
	r.Route("/rest/v1/{table}", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(logger, cfg.JWT))
		r.Get("/", rest.Select)
		r.Post("/", rest.Insert)
		r.Patch("/", rest.Update)
		r.Delete("/", rest.Delete)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteProblem(w, r, http.StatusNotFound, "no such endpoint")
	})

	s.handler = r
	return s
}

// Handler возвращает корневой handler сервера
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run слушает cfg.Addr до отмены ctx и затем останавливается с таймаутом
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve обслуживает ln до отмены ctx
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.limiter != nil {
		defer s.limiter.Stop()
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errC := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", "addr", ln.Addr().String(), "version", s.cfg.Version, "dev_tokens", s.cfg.DevTokens)
		errC <- srv.Serve(ln)
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errC; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
