package main

import (
	"context"
	"deployq/internal/app"
	"deployq/internal/checkout"
	"deployq/internal/config"
	"deployq/internal/logger"
	"deployq/internal/server"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.MustParse()
	logger.Initialize(cfg.LogLevel, cfg.LogPrettyPrint)
	log.Info().Msgf("deployq server %s", config.ParseVersion())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.Logger.WithContext(ctx)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("shutting down")
}

func run(ctx context.Context, cfg config.Config) error {
	ws := &checkout.Git{URL: cfg.RepositoryURL, BaseDir: cfg.WorkDir}
	c, err := app.Build(ctx, cfg, ws)
	if err != nil {
		return err
	}
	if cfg.WebhookSecret == "" {
		log.Warn().Msg("DEPLOYQ_WEBHOOK_SECRET is not set, push events are not authenticated")
	}

	srv := server.New(c.Pipeline, c.Runner, c.Ledger, server.Options{
		WebhookSecret: cfg.WebhookSecret,
		Repository:    cfg.RepositoryURL,
		QueueSize:     cfg.QueueSize,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Work(ctx)
	})
	g.Go(func() error {
		log.Info().Msgf("Pipeline %q listening on %s", c.Pipeline.Name, httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
