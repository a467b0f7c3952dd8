// Command gojotx_rm serves an in-memory resource manager over gRPC. It is a
// participant for demos and end-to-end tests of the coordinator.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/resource/remote"
	"github.com/sushant-115/gojotx/internal/app"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration file (logger, telemetry and tls sections are used)")
	resourceID  = flag.String("resource_id", "memdb", "Resource id reported to coordinators")
	grpcAddr    = flag.String("grpc_addr", "127.0.0.1:7070", "gRPC bind address")
	metricsAddr = flag.String("metrics_addr", "", "Serve /metrics here; empty disables")
	vote        = flag.String("vote", "ok", "Prepare vote to cast: ok, readonly or fail")
	decline     = flag.Bool("decline", false, "Refuse every new branch")
)

func parseVote(s string) (resource.Vote, bool) {
	switch strings.ToLower(s) {
	case "ok":
		return resource.VoteOK, true
	case "readonly":
		return resource.VoteReadOnly, true
	case "fail":
		return resource.VoteFail, true
	}
	return resource.VoteFail, false
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("CRITICAL: invalid configuration: %v", err)
		}
	}
	v, ok := parseVote(*vote)
	if !ok {
		log.Fatalf("CRITICAL: unknown vote %q", *vote)
	}

	zlogger, _, err := logger.New(cfg.Logger, "gojotx-rm", *resourceID)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	cfg.Telemetry.Enabled = cfg.Telemetry.Enabled || *metricsAddr != ""
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize telemetry", zap.Error(err))
	}
	rpcMetrics, err := internaltelemetry.NewRPCMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to create RPC metrics", zap.Error(err))
	}

	rm := resource.NewMemoryManager(*resourceID, zlogger)
	rm.SetVote(v)
	rm.SetDecline(*decline)

	opts := []grpc.ServerOption{grpc.UnaryInterceptor(rpcMetrics.UnaryServerInterceptor())}
	serverTLS, err := app.ServerTLS(cfg)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to load TLS material", zap.Error(err))
	}
	if serverTLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
	}
	grpcServer := grpc.NewServer(opts...)
	remote.Register(grpcServer, remote.NewServer(rm, zlogger))

	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		zlogger.Fatal("Failed to listen for gRPC", zap.Error(err), zap.String("address", *grpcAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.MetricsHandler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlogger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		zlogger.Info("Resource manager serving",
			zap.String("address", lis.Addr().String()),
			zap.String("vote", v.String()),
			zap.Bool("tls", serverTLS != nil))
		if err := grpcServer.Serve(lis); err != nil {
			zlogger.Error("gRPC server failed to serve", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zlogger.Info("Shutdown signal received", zap.Int("pending_branches", rm.Pending()))
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zlogger.Warn("Telemetry shutdown", zap.Error(err))
	}
}
