package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/tenzoki/nsb/internal/wire"
)

func TestNewAndRecordDoNotPanic(t *testing.T) {
	m, err := New(noop.NewMeterProvider(), tracenoop.NewTracerProvider())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	m.RecordOp(ctx, wire.OpSend)
	m.TXDepthDelta(ctx, 1)
	m.RXDepthDelta(ctx, -1)

	_, span := m.StartForward(ctx, "app_A", "app_B")
	span.End()
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordOp(ctx, wire.OpPing)
	m.TXDepthDelta(ctx, 1)
	m.RXDepthDelta(ctx, 1)
	_, span := m.StartForward(ctx, "a", "b")
	if span == nil {
		t.Fatal("StartForward on nil Metrics should still return a usable span")
	}
}
