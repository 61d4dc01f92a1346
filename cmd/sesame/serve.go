package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/sesame/internal/app"
	"github.com/ent0n29/sesame/internal/config"
	"github.com/ent0n29/sesame/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, WebSocket and WebRTC endpoints",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sessions outlive the signal until Shutdown cancels them explicitly.
	built, err := app.Build(context.WithoutCancel(ctx), cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	built.Sessions.StartJanitor(gctx, cfg.SessionJanitorInterval)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		return built.Shutdown(httpServer, cfg.ShutdownTimeout, logger)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
