package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-rollout/internal/api"
)

func newServeCommand(st *state) *cobra.Command {
	var withMonitor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				return serve(ctx, st, a, withMonitor)
			})
		},
	}
	cmd.Flags().BoolVar(&withMonitor, "monitor", false, "Also run scheduled known-image passes and drift checks")
	return cmd
}

func serve(ctx context.Context, st *state, a *app, withMonitor bool) error {
	cfg, logger := st.cfg, st.logger
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	server, err := api.NewServer(cfg.Server, a.service, cfg.Telemetry.ServiceName, logger)
	if err != nil {
		return err
	}
	logger.Info("starting mirador-rollout", slog.String("address", server.Address()))

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	monitorDone := make(chan struct{})
	if withMonitor {
		go func() {
			defer close(monitorDone)
			if err := a.monitor.Run(ctx, cfg.Monitor.Interval); err != nil {
				logger.Error("monitor schedule exited", slog.Any("error", err))
			}
		}()
	} else {
		close(monitorDone)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}

	select {
	case <-monitorDone:
	case <-shutdownCtx.Done():
		logger.Warn("monitor pass still running at shutdown")
	}
	logger.Info("mirador-rollout stopped")
	return nil
}
