// Package server wires the reference backend: storage, services, handlers
// and routes.
//
// DEPENDENCY INJECTION FLOW:
//
//	New() creates: sqlite.DB → AuthService / DataService / ProcedureService
//	               → AuthHandler / DataHandler / RPCHandler → chi routes
//
// This is the composition root. Handlers never touch the database and
// services never touch HTTP; everything meets here.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/duo-routine/internal/auth"
	"github.com/sakif/duo-routine/internal/config"
	"github.com/sakif/duo-routine/internal/handler"
	"github.com/sakif/duo-routine/internal/mailer"
	"github.com/sakif/duo-routine/internal/middleware"
	sqliteRepo "github.com/sakif/duo-routine/internal/repository/sqlite"
	"github.com/sakif/duo-routine/internal/service"
)

// Config is the backend configuration plus optional injected
// collaborators. A nil collaborator is built from the settings.
type Config struct {
	config.Server

	// Mailer defaults to Resend when ResendAPIKey is set, else to a sender
	// that logs the code.
	Mailer mailer.Sender
	// GitHub defaults to the real provider when GitHubClientID is set, else
	// GitHub sign-in answers 501.
	GitHub handler.IdentityProvider
	// Secrets defaults to auth.NewSecretService().
	Secrets *auth.SecretService
}

// Server owns the router and the database connection.
type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
	db     *sqliteRepo.DB
}

// New opens the database and builds the route tree. Close the server with
// Start (which closes on shutdown) or Close.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}
	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// setupRoutes configures middleware and routes.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz
//	POST   /auth/v1/otp | /verify | /token | /logout
//	GET    /auth/v1/authorize | /callback
//	GET    /auth/v1/user                      (bearer)
//	GET    /rest/v1/users/{id}                (bearer, and so on below)
//	PATCH  /rest/v1/users/{id}
//	GET    /rest/v1/routines        POST /rest/v1/routines
//	PATCH  /rest/v1/routines/{id}
//	GET    /rest/v1/task_logs       POST /rest/v1/task_logs
//	PATCH  /rest/v1/task_logs/{id}
//	GET    /rest/v1/daily_status    PUT  /rest/v1/daily_status
//	GET    /rest/v1/notifications
//	PATCH  /rest/v1/notifications/{id}   DELETE /rest/v1/notifications/{id}
//	POST   /rest/v1/rpc/{name}
//
// MIDDLEWARE ORDER MATTERS: RequestID first so the logger can read it,
// Recoverer before the logger so a panic is logged as the 500 it became.
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	tokens, err := auth.NewTokenService(s.config.JWTSecret, s.config.AccessTTL)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}
	secrets := s.config.Secrets
	if secrets == nil {
		secrets = auth.NewSecretService()
	}

	authService := service.NewAuthService(s.db, s.db, tokens, secrets, s.mailer(), s.config.RefreshTTL, s.logger)
	authHandler := handler.NewAuthHandler(authService, s.github(), s.logger)
	dataHandler := handler.NewDataHandler(service.NewDataService(s.db, s.logger), s.logger)
	rpcHandler := handler.NewRPCHandler(service.NewProcedureService(s.db, s.logger), s.logger)

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/auth/v1", func(r chi.Router) {
		r.Post("/otp", authHandler.HandleOTP)
		r.Post("/verify", authHandler.HandleVerify)
		r.Post("/token", authHandler.HandleToken)
		r.Post("/logout", authHandler.HandleLogout)
		r.Get("/authorize", authHandler.HandleAuthorize)
		r.Get("/callback", authHandler.HandleCallback)
		r.With(auth.RequireAuth(tokens)).Get("/user", authHandler.HandleUser)
	})

	s.router.Route("/rest/v1", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))

		r.Get("/users/{id}", dataHandler.HandleGetUser)
		r.Patch("/users/{id}", dataHandler.HandlePatchUser)

		r.Get("/routines", dataHandler.HandleListRoutines)
		r.Post("/routines", dataHandler.HandleCreateRoutines)
		r.Patch("/routines/{id}", dataHandler.HandlePatchRoutine)

		r.Get("/task_logs", dataHandler.HandleListTaskLogs)
		r.Post("/task_logs", dataHandler.HandleCreateTaskLogs)
		r.Patch("/task_logs/{id}", dataHandler.HandlePatchTaskLog)

		r.Get("/daily_status", dataHandler.HandleGetDailyStatus)
		r.Put("/daily_status", dataHandler.HandlePutDailyStatus)

		r.Get("/notifications", dataHandler.HandleListNotifications)
		r.Patch("/notifications/{id}", dataHandler.HandlePatchNotification)
		r.Delete("/notifications/{id}", dataHandler.HandleDeleteNotification)

		r.Post("/rpc/{name}", rpcHandler.HandleCall)
	})

	return nil
}

func (s *Server) mailer() mailer.Sender {
	if s.config.Mailer != nil {
		return s.config.Mailer
	}
	if s.config.ResendAPIKey != "" {
		return mailer.NewResendSender(s.config.ResendAPIKey, s.config.MailFrom, s.logger)
	}
	s.logger.Warn("DUO_RESEND_API_KEY not set: sign-in codes are only logged")
	return mailer.NewNoopSender(s.logger)
}

// github returns nil when GitHub sign-in is not configured. The nil must be
// an untyped interface nil, not a nil *auth.GitHubProvider, or the handler's
// nil check would not see it.
func (s *Server) github() handler.IdentityProvider {
	if s.config.GitHub != nil {
		return s.config.GitHub
	}
	if s.config.GitHubClientID == "" || s.config.GitHubClientSecret == "" {
		s.logger.Info("GitHub sign-in disabled")
		return nil
	}
	return auth.NewGitHubProvider(
		s.config.GitHubClientID,
		s.config.GitHubClientSecret,
		s.config.PublicURL+"/auth/v1/callback",
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Handler exposes the route tree, e.g. for httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database.
func (s *Server) Close() error {
	return s.db.Close()
}

// Start serves until SIGINT/SIGTERM, then shuts down gracefully:
//  1. stop accepting connections
//  2. wait up to 30s for in-flight requests
//  3. close the database (flushes the WAL, releases the file lock)
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", s.config.PublicURL),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}
