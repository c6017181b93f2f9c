// Package main is the entry point for the credit ledger API server.
//
// The server exposes the credit service over gRPC and REST, and runs the
// background loops that keep the ledger healthy:
//
// - Hold reaper releasing holds nobody captured
// - Event reaper re-driving domain events whose dispatch never finished
// - Periodic sync of balances from PostgreSQL into Redis
//
// Configuration is via environment variables (12-factor app pattern).
//
// Lifecycle:
// 1. Load configuration from env
// 2. Initialize dependencies and apply migrations
// 3. Start gRPC and HTTP servers
// 4. Wait for shutdown signal
// 5. Gracefully drain connections
// 6. Stop background loops and clean up resources
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/reflection"

	"github.com/kelpejol/creditledger/internal/api"
	"github.com/kelpejol/creditledger/internal/app"
	"github.com/kelpejol/creditledger/internal/config"
	"github.com/kelpejol/creditledger/internal/rest"
	"github.com/kelpejol/creditledger/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Msg("starting credit ledger api server")

	a, err := app.New(context.Background(), cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize credit ledger")
	}
	defer a.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), time.Minute)
	applied, err := migrations.Apply(migrateCtx, a.DB)
	migrateCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	}
	logger.Info().Strs("applied", applied).Msg("schema up to date")

	a.Start(context.Background())

	grpcServer := api.NewServer(logger)
	api.RegisterCreditServiceServer(grpcServer, api.NewGRPCHandler(a.Service, logger))

	// Allows grpcurl to list the service in development.
	if cfg.IsDevelopment() {
		reflection.Register(grpcServer)
		logger.Info().Msg("grpc reflection enabled")
	}

	listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create listener")
	}
	go func() {
		logger.Info().
			Str("port", cfg.GRPCPort).
			Msg("grpc server listening")

		if err := grpcServer.Serve(listener); err != nil {
			logger.Error().Err(err).Msg("grpc server failed")
		}
	}()

	httpServer := createHTTPServer(cfg, a, logger)
	go func() {
		logger.Info().
			Str("port", cfg.HTTPPort).
			Msg("http server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	grpcServer.GracefulStop()
	logger.Info().Msg("grpc server stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	// Reapers, syncer and connections are stopped by a.Close above.
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Pretty console output in development, JSON everywhere else.
	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "creditledger-api").
		Str("environment", environment).
		Logger()
}

// createHTTPServer creates the HTTP server for the REST API, health checks
// and metrics.
func createHTTPServer(cfg *config.Config, a *app.App, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	rest.NewHandler(a.Service, a.Ready, logger).RegisterRoutes(mux)

	var handler http.Handler = mux
	if cfg.IsDevelopment() {
		handler = rest.CORS(handler)
	}
	handler = rest.LoggingMiddleware(logger)(handler)

	return &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
