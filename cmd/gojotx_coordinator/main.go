package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/internal/app"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
	"go.uber.org/zap"
)

const ShutdownTimeout = 10 * time.Second

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	nodeID     = flag.String("node_id", "", "Override manager.node_id")
	httpAddr   = flag.String("http_addr", "", "Override manager.status_addr (status, probe, recover and metrics)")
	logDir     = flag.String("log_dir", "", "Override txlog.dir")
)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if *nodeID != "" {
		cfg.Manager.NodeID = *nodeID
	}
	if *httpAddr != "" {
		cfg.Manager.StatusAddr = *httpAddr
	}
	if *logDir != "" {
		cfg.TxLog.Dir = *logDir
	}
	if cfg.Manager.StatusAddr == "" {
		cfg.Manager.StatusAddr = cfg.Telemetry.MetricsAddr
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}
	zlogger, _, err := logger.New(cfg.Logger, "gojotx-coordinator", cfg.Manager.NodeID)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize telemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := app.New(ctx, cfg, zlogger, tel)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to assemble coordinator", zap.Error(err))
	}
	if err := node.Start(ctx); err != nil {
		zlogger.Fatal("CRITICAL: Failed to start coordinator", zap.Error(err))
	}
	zlogger.Info("Starting gojotx coordinator",
		zap.String("txlog_backend", cfg.TxLog.Backend),
		zap.String("txlog_dir", cfg.TxLog.Dir),
		zap.Int("resources", len(node.Resources)),
		zap.String("http_addr", cfg.Manager.StatusAddr))

	httpServer := &http.Server{
		Addr:              cfg.Manager.StatusAddr,
		Handler:           node.Handler(tel.MetricsHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlogger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zlogger.Info("Shutdown signal received, stopping coordinator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlogger.Warn("HTTP server shutdown", zap.Error(err))
	}
	if err := node.Close(shutdownCtx); err != nil {
		zlogger.Error("Coordinator shutdown incomplete", zap.Error(err))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zlogger.Warn("Telemetry shutdown", zap.Error(err))
	}
	zlogger.Info("Coordinator stopped")
}
