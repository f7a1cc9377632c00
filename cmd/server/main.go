// Command server runs the Duo reference backend.
//
// Configuration comes from .duo.yaml and DUO_* environment variables (see
// internal/config). The only required setting is DUO_JWT_SECRET:
//
//	DUO_JWT_SECRET=$(openssl rand -hex 32) go run ./cmd/server
//
// Without DUO_RESEND_API_KEY sign-in codes are written to the log. Without
// DUO_GITHUB_CLIENT_ID/SECRET GitHub sign-in answers 501.
package main

import (
	"log/slog"
	"os"

	"github.com/sakif/duo-routine/internal/config"
	"github.com/sakif/duo-routine/internal/server"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("loading configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if cfg.JWTSecret == "" {
		logger.Error("DUO_JWT_SECRET is not set; generate one with: openssl rand -hex 32")
		os.Exit(1)
	}

	srv, err := server.New(server.Config{Server: cfg}, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT/SIGTERM.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
