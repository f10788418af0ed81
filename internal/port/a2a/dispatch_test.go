package a2a

import (
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	a2aotel "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/otel"
)

// recordedMetrics drains the manual reader and returns the metric names
// that carry at least one data point.
func recordedMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func TestDispatchRecordsTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prevMeter := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prevMeter) })

	spans := tracetest.NewSpanRecorder()
	prevTracer := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	t.Cleanup(func() { otel.SetTracerProvider(prevTracer) })

	metrics, err := a2aotel.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	d := NewDispatcher(nil, nil, nil, 0, metrics)

	resp := d.Dispatch(context.Background(), &Request{
		JSONRPC: Version, Method: "tasks/destroy", ID: json.RawMessage("1"),
	})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected -32601, got %+v", resp.Error)
	}

	names := recordedMetrics(t, reader)
	if !names["a2a.rpc.requests"] {
		t.Fatal("rpc request counter not recorded")
	}
	if !names["a2a.rpc.latency_seconds"] {
		t.Fatal("rpc latency histogram not recorded")
	}

	ended := spans.Ended()
	if len(ended) != 1 || ended[0].Name() != "rpc" {
		t.Fatalf("got %d ended spans, want one rpc span", len(ended))
	}
}
