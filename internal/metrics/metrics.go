// Package metrics exposes the broker's operational counters: one counter
// per verb dispatched and an up/down counter for each queue's depth, plus
// a trace span wrapping the PUSH-mode FORWARD write. This is purely
// observational — nothing in internal/dispatch or internal/server's
// behavior depends on it, and by default it runs against the otel no-op
// providers so the broker never requires a collector to be reachable
// (SPEC_FULL.md DOMAIN STACK).
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tenzoki/nsb/internal/wire"
)

// Metrics holds the instruments the broker records through.
type Metrics struct {
	opCounter metric.Int64Counter
	txDepth   metric.Int64UpDownCounter
	rxDepth   metric.Int64UpDownCounter
	tracer    trace.Tracer
}

// New builds a Metrics instance from mp/tp. Passing nil for either uses
// the process-wide default provider (otel.GetMeterProvider /
// otel.GetTracerProvider), which is a no-op unless a real provider has
// been installed with otel.SetMeterProvider / otel.SetTracerProvider.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	meter := mp.Meter("nsb/broker")

	opCounter, err := meter.Int64Counter("nsb_broker_ops_total",
		metric.WithDescription("count of dispatched broker operations, by verb"))
	if err != nil {
		return nil, err
	}
	txDepth, err := meter.Int64UpDownCounter("nsb_broker_tx_queue_depth",
		metric.WithDescription("current TX queue depth"))
	if err != nil {
		return nil, err
	}
	rxDepth, err := meter.Int64UpDownCounter("nsb_broker_rx_queue_depth",
		metric.WithDescription("current RX queue depth"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		opCounter: opCounter,
		txDepth:   txDepth,
		rxDepth:   rxDepth,
		tracer:    tp.Tracer("nsb/broker"),
	}, nil
}

// RecordOp increments the per-verb counter for op.
func (m *Metrics) RecordOp(ctx context.Context, op wire.Op) {
	if m == nil {
		return
	}
	m.opCounter.Add(ctx, 1, metric.WithAttributes(attrOp(op)))
}

// TXDepthDelta adjusts the TX queue depth gauge by delta (+1 on push,
// -1 on a successful pop).
func (m *Metrics) TXDepthDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.txDepth.Add(ctx, delta)
}

// RXDepthDelta adjusts the RX queue depth gauge by delta.
func (m *Metrics) RXDepthDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.rxDepth.Add(ctx, delta)
}

// StartForward opens a span around a PUSH-mode FORWARD write, tagged
// with the flow's source and destination.
func (m *Metrics) StartForward(ctx context.Context, src, dest string) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "nsb.forward",
		trace.WithAttributes(attrString("src_id", src), attrString("dest_id", dest)))
}
