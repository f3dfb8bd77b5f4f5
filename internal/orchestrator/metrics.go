package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	turns   metric.Int64Counter
	latency metric.Float64Histogram
	active  metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter, logger *slog.Logger) *metrics {
	m := &metrics{}
	var err error
	if m.turns, err = meter.Int64Counter("loqa.voice.turns",
		metric.WithDescription("Conversation turns by outcome")); err != nil {
		logger.Warn("failed to create turn counter", slogError(err))
	}
	if m.latency, err = meter.Float64Histogram("loqa.voice.first_clause_ms",
		metric.WithDescription("Time from end of user speech to the first reply clause"),
		metric.WithUnit("ms")); err != nil {
		logger.Warn("failed to create first clause histogram", slogError(err))
	}
	if m.active, err = meter.Int64UpDownCounter("loqa.voice.sessions.active",
		metric.WithDescription("Sessions not in the idle state")); err != nil {
		logger.Warn("failed to create active session counter", slogError(err))
	}
	return m
}

func (m *metrics) turnFinished(ctx context.Context, outcome string) {
	if m.turns != nil {
		m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *metrics) firstClause(ctx context.Context, d time.Duration) {
	if m.latency != nil {
		m.latency.Record(ctx, float64(d)/float64(time.Millisecond))
	}
}

func (m *metrics) sessionActive(ctx context.Context, delta int64) {
	if m.active != nil {
		m.active.Add(ctx, delta)
	}
}
