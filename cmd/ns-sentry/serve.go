package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"Go2NetSentry/internal/api"
	"Go2NetSentry/internal/capture"
	"Go2NetSentry/internal/pipeline"
)

func newServeCmd() *cobra.Command {
	var autostart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the detector with the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(autostart)
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart", false, "Start capturing immediately")
	return cmd
}

func runServe(autostart bool) error {
	cfg, logger, err := loadConfiguration()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg, capture.LiveFactory(cfg.Capture, logger), logger)
	if err != nil {
		return err
	}

	health := api.NewHealth()
	p.Session.AddListener(health)

	var grpcServer *grpc.Server
	if cfg.API.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.API.GRPCHealthAddr)
		if err != nil {
			_ = p.Shutdown(context.Background())
			return err
		}
		grpcServer = grpc.NewServer()
		health.Register(grpcServer)
		go func() {
			logger.Info("gRPC health server starting", zap.String("addr", cfg.API.GRPCHealthAddr))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr: cfg.API.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Session:    p.Session,
			Models:     p.Registry,
			Assembler:  p.Assembler,
			Dispatcher: p.Dispatcher,
			Hub:        p.Hub,
			Loaded:     p.Engine.Available,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.API.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if autostart {
		if err := p.Session.Start(ctx); err != nil {
			logger.Error("Failed to start capture", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-serveErr:
		logger.Error("HTTP server error", zap.Error(err))
	}

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	if perr := p.Shutdown(context.Background()); perr != nil {
		logger.Error("Pipeline shutdown", zap.Error(perr))
		if err == nil {
			err = perr
		}
	}
	logger.Info("All servers exited")
	return err
}
