package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TxMetrics holds the metric instruments of the transaction coordinator.
// A nil *TxMetrics records nothing.
type TxMetrics struct {
	BegunCounter        metric.Int64Counter
	CompletedCounter    metric.Int64Counter
	HeuristicCounter    metric.Int64Counter
	TimeoutCounter      metric.Int64Counter
	RecoveredCounter    metric.Int64Counter
	ActiveUpDownCounter metric.Int64UpDownCounter
	CompletionHistogram metric.Int64Histogram
}

// NewTxMetrics creates and registers the coordinator metrics on meter.
func NewTxMetrics(meter metric.Meter) (*TxMetrics, error) {
	begun, err := meter.Int64Counter(
		"gojotx.tx.begun_total",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	completed, err := meter.Int64Counter(
		"gojotx.tx.completed_total",
		metric.WithDescription("Total number of transactions completed, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heuristic, err := meter.Int64Counter(
		"gojotx.tx.heuristic_total",
		metric.WithDescription("Total number of transactions with a heuristic outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	timeouts, err := meter.Int64Counter(
		"gojotx.tx.timeouts_total",
		metric.WithDescription("Total number of transactions rolled back by the timeout reaper."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	recovered, err := meter.Int64Counter(
		"gojotx.tx.recovered_total",
		metric.WithDescription("Total number of branches resolved by recovery, by action."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotx.tx.active",
		metric.WithDescription("Number of transactions not yet completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"gojotx.tx.completion.duration",
		metric.WithDescription("Time from commit or rollback request to completion."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &TxMetrics{
		BegunCounter:        begun,
		CompletedCounter:    completed,
		HeuristicCounter:    heuristic,
		TimeoutCounter:      timeouts,
		RecoveredCounter:    recovered,
		ActiveUpDownCounter: active,
		CompletionHistogram: latency,
	}, nil
}

func (m *TxMetrics) Begun(ctx context.Context) {
	if m == nil {
		return
	}
	m.BegunCounter.Add(ctx, 1)
	m.ActiveUpDownCounter.Add(ctx, 1)
}

// Completed records a finished transaction. outcome is the final status name.
func (m *TxMetrics) Completed(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.CompletedCounter.Add(ctx, 1, attrs)
	m.ActiveUpDownCounter.Add(ctx, -1)
	m.CompletionHistogram.Record(ctx, elapsed.Milliseconds(), attrs)
}

func (m *TxMetrics) Heuristic(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.HeuristicCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *TxMetrics) TimedOut(ctx context.Context) {
	if m == nil {
		return
	}
	m.TimeoutCounter.Add(ctx, 1)
}

// Recovered records one branch resolved by recovery; action is "commit" or "rollback".
func (m *TxMetrics) Recovered(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.RecoveredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
