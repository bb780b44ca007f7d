// Command tally-api serves the engine REST API and the observability server.
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

	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/tally/internal/bootstrap"
	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/engineapi"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tally-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	infra, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := infra.Close(); err != nil {
			log.Error("failed to release resources", slog.String("error", err.Error()))
		}
	}()

	evals := bootstrap.NewEvaluators(infra.Store, infra.Config, infra.Events, cfg.Sweep.PageSize, log)
	apiCfg := cfg.Server.API
	deps := engineapi.Deps{
		Tiers:     evals.Tiers,
		Segments:  evals.Segments,
		Campaigns: evals.Campaigns,
		Jobs:      infra.Enqueuer(),
	}
	skipAuth := apiCfg.APIKeyHash == "" && cfg.App.Environment != config.EnvironmentProduction
	if skipAuth {
		log.Warn("API authentication disabled: no API key hash configured")
	}
	api := engineapi.NewAPIWithConfig(deps, apiCfg.APIKeyHash, apiCfg.MaxBodyBytes, skipAuth, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", apiCfg.Host, apiCfg.Port),
		Handler:           api.Router,
		ReadTimeout:       apiCfg.ReadTimeout,
		ReadHeaderTimeout: apiCfg.ReadHeaderTimeout,
		WriteTimeout:      apiCfg.WriteTimeout,
		IdleTimeout:       apiCfg.IdleTimeout,
		MaxHeaderBytes:    apiCfg.MaxHeaderBytes,
	}

	var queueKeys []string
	if cfg.Worker.Source == config.JobSourceRedis {
		queueKeys = []string{cfg.Worker.QueueKey}
	}
	obs := observability.NewServer(log, &cfg.Observability, infra.Checkers(queueKeys...)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return obs.Run(gctx) })
	for _, loop := range infra.Background() {
		g.Go(func() error { return loop(gctx) })
	}
	g.Go(func() error {
		log.Info("starting engine API", slog.String("addr", srv.Addr), slog.Bool("tls", apiCfg.TLSEnabled))
		var err error
		if apiCfg.TLSEnabled {
			err = srv.ListenAndServeTLS(apiCfg.TLSCert, apiCfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("engine API failed: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		obs.MarkDraining()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.App.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	obs.MarkReady()
	<-gctx.Done()
	log.Info("shutting down", slog.Duration("timeout", cfg.App.ShutdownTimeout))
	return bootstrap.Wait(g, cfg.App.ShutdownTimeout)
}
