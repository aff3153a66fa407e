package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/docflow/internal/ingest"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var noRecover bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the directory watcher, the health server and /metrics",
		Long: `docflow serve starts the worker pool, resumes unfinished runs from the ledger,
watches INGEST_WATCH_DIRS for new documents and serves gRPC health on GRPC_ADDR and
Prometheus metrics on METRICS_ADDR until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, !noRecover)
		},
	}
	cmd.Flags().BoolVar(&noRecover, "no-recover", false, "do not resume unfinished runs on start")
	return cmd
}

func serve(ctx context.Context, recoverRuns bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(sctx)
	}()
	logger := a.logger

	a.startWorkers()
	if recoverRuns {
		n, err := a.orch.Recover(ctx)
		if err != nil {
			logger.Error("recovery failed", "error", err)
		} else {
			logger.Info("recovery complete", "resumed", n)
		}
	}

	// gRPC health
	lis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", a.cfg.Server.GRPCAddr, "error", err)
		return err
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC serve error", "error", err)
		}
	}()
	logger.Info("health server listening", "addr", a.cfg.Server.GRPCAddr)

	// metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.recorder.Registry(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              a.cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", a.cfg.Server.MetricsAddr)

	// watcher
	if len(a.cfg.Ingest.WatchDirs) > 0 {
		paths, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
			Roots:       a.cfg.Ingest.WatchDirs,
			InitialScan: a.cfg.Ingest.InitialScan,
			Debounce:    a.cfg.Ingest.Debounce,
			SkipHidden:  true,
		}, logger)
		if err != nil {
			return err
		}
		ing := ingest.NewIngestor(a.svc, a.cfg.Ingest.InitiatedBy, logger)
		go ing.Run(ctx, paths, errs)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(sctx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}
	grpcServer.GracefulStop()
	return nil
}
