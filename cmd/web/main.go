package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"despatchflow/internal/config"
	"despatchflow/internal/convert"
	"despatchflow/internal/handlers"
	"despatchflow/internal/history"
	"despatchflow/internal/mailer"
	"despatchflow/internal/observability"

	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("DESPATCH_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "despatch-web",
	})

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	converter, err := convert.NewClient(convert.Config{
		Endpoint: cfg.Endpoints.ConversionURL,
		Timeout:  cfg.Endpoints.Timeout,
	}, logger)
	if err != nil {
		return err
	}
	sender, err := mailer.NewClient(mailer.Config{
		Endpoint: cfg.Endpoints.EmailURL,
		Timeout:  cfg.Endpoints.Timeout,
	}, logger)
	if err != nil {
		return err
	}

	store, err := history.Open(ctx, cfg.History.Backend, cfg.History.Redis())
	if err != nil {
		return err
	}
	defer store.Close()

	app := handlers.NewApp(logger, converter, sender, store, handlers.Options{
		CookieName:     cfg.Session.CookieName,
		SecureCookie:   cfg.Session.SecureCookie,
		MaxUploadBytes: cfg.Ingest.MaxBytes,
		ConvertTimeout: cfg.Endpoints.Timeout,
	})
	app.StartCleanupLoop(ctx, cfg.Session.CleanupInterval, cfg.Session.IdleTimeout)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("history", cfg.History.Backend).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	logger.Info().Msg("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = srv.Close()
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("background conversions did not finish")
	}
	logger.Info().Msg("server stopped")
	return nil
}
