package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/creamcroissant/sspanel/internal/bootstrap"
	"github.com/creamcroissant/sspanel/internal/job"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and the reconciliation scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	infra, err := openInfra(ctx, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	router, err := infra.Router(cfg)
	if err != nil {
		return err
	}

	scheduler := job.NewScheduler(logger, 0)
	if err := infra.RegisterJobs(scheduler, cfg.Reconcile); err != nil {
		return err
	}
	scheduler.Start()

	server := bootstrap.NewHTTPServer(cfg.HTTP, router)
	go func() {
		logger.Info("http server starting", "addr", cfg.HTTP.Addr, "env", cfg.Log.Environment, "version", Version,
			"fast_store", cfg.FastStore.Driver, "token_scheme", cfg.Subscription.TokenScheme)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down http server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server exited cleanly")
	return nil
}
