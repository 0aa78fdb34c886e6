package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jklint/chatterd/internal/blob"
	"github.com/jklint/chatterd/internal/config"
	"github.com/jklint/chatterd/internal/httpapi"
	"github.com/jklint/chatterd/internal/hub"
	"github.com/jklint/chatterd/internal/metrics"
	"github.com/jklint/chatterd/internal/model"
	"github.com/jklint/chatterd/internal/security"
	"github.com/jklint/chatterd/internal/service/chatservice"
	"github.com/jklint/chatterd/internal/store"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "chatterd").Logger()

	configPath := flag.String("config", os.Getenv("CHATTERD_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(2)
	}

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := run(cfg); err != nil {
		if model.KindOf(err) == model.KindConfig {
			log.Error().Err(err).Msg("invalid configuration")
			os.Exit(2)
		}
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())
	log.Info().Str("database_type", cfg.DatabaseType).Msg("store ready")

	sec, err := security.New(security.Config{
		TokenSecret:   cfg.JWTSecret,
		TokenTTL:      cfg.TokenTTL(),
		EncryptionKey: messageKey(cfg),
	})
	if err != nil {
		return err
	}

	bl, err := blob.Open(cfg)
	if err != nil {
		return err
	}
	log.Info().Str("storage_type", cfg.StorageType).Msg("blob storage ready")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := hub.New(cfg.PingInterval(), m)
	svc := chatservice.New(st, h, sec, bl, cfg, m)

	srv := &httpapi.Server{Service: svc, Config: cfg, Registry: reg}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutting down gracefully...")
	case <-runCtx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Hijacked WebSocket connections are not covered by Shutdown.
	h.Close()
	cancel()

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}

// messageKey resolves the at-rest encryption key. Config validation already
// guarantees a decodable key whenever enable_encryption is set.
func messageKey(cfg *config.Config) string {
	if !cfg.EnableEncryption {
		return ""
	}
	return cfg.EncryptionKey
}
