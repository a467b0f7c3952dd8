package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCMetrics holds the metric instruments of the resource manager gRPC service.
type RPCMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewRPCMetrics creates and registers the gRPC server metrics on meter.
func NewRPCMetrics(meter metric.Meter) (*RPCMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"gojotx.rm.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"gojotx.rm.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed, by status code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"gojotx.rm.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojotx.rm.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &RPCMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// UnaryServerInterceptor records every unary call handled by the server.
func (m *RPCMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := attribute.String("rpc.method", info.FullMethod)
		m.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(method))
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(method))
		start := time.Now()

		resp, err := handler(ctx, req)

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(method))
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(method,
			attribute.String("rpc.grpc.status_code", status.Code(err).String())))
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(method))
		return resp, err
	}
}
