package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaydesk/go-relay-backend/internal/config"
)

func keepOTelGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func tracedConfig(service string) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: service,
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_DisabledIsNoOp(t *testing.T) {
	keepOTelGlobals(t)

	cfg := tracedConfig("relay")
	cfg.Enabled = false
	shutdown, err := SetupOTel(context.Background(), cfg, "v0.0.0")
	if err != nil {
		t.Fatalf("SetupOTel: %v", err)
	}
	if shutdown == nil {
		t.Fatal("disabled setup must still return a shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
}

func TestSetupOTel_InstallsProviderAndPropagator(t *testing.T) {
	keepOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), tracedConfig("relay-insecure"), "v1.2.3")
	if err != nil {
		t.Fatalf("SetupOTel: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("tracer provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	// Round-trip the trace context through a carrier.
	carrier := propagation.MapCarrier{}
	ctx, span := otel.Tracer("relay-test").Start(context.Background(), "dispatch")
	span.End()
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if carrier.Get("traceparent") == "" {
		t.Fatal("traceparent not injected")
	}
	_ = otel.GetTextMapPropagator().Extract(context.Background(), carrier)
}

func TestSetupOTel_TLSBranch(t *testing.T) {
	keepOTelGlobals(t)

	cfg := tracedConfig("relay-tls")
	cfg.Insecure = false
	shutdown, err := SetupOTel(context.Background(), cfg, "v9.9.9")
	if err != nil {
		t.Fatalf("SetupOTel with TLS creds: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("tracer provider = %T", otel.GetTracerProvider())
	}
}

func TestSetupOTel_CancelledContextStillSucceeds(t *testing.T) {
	keepOTelGlobals(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Exporter init is lazy, a dead context at startup must not fail setup.
	shutdown, err := SetupOTel(ctx, tracedConfig("relay-cancelled"), "v1")
	if err != nil {
		t.Fatalf("SetupOTel with cancelled ctx: %v", err)
	}
	_ = shutdown(context.Background())
}

func TestSetupOTel_ExporterFailureLeavesGlobalsAlone(t *testing.T) {
	keepOTelGlobals(t)

	orig := otlpExporterFn
	t.Cleanup(func() { otlpExporterFn = orig })
	otlpExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("exporter down")
	}

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()

	if _, err := SetupOTel(context.Background(), tracedConfig("relay"), "v0"); err == nil {
		t.Fatal("expected exporter error")
	}
	if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
		t.Fatal("globals replaced on failed setup")
	}
}

func TestSetupOTel_ResourceFailureLeavesGlobalsAlone(t *testing.T) {
	keepOTelGlobals(t)

	orig := serviceResourceFn
	t.Cleanup(func() { serviceResourceFn = orig })
	serviceResourceFn = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return nil, errors.New("resource build failed")
	}

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()

	if _, err := SetupOTel(context.Background(), tracedConfig("relay"), "v0"); err == nil {
		t.Fatal("expected resource error")
	}
	if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
		t.Fatal("globals replaced on failed setup")
	}
}

func TestSetupOTel_ShutdownAndSpanSmoke(t *testing.T) {
	keepOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), tracedConfig("relay-shutdown"), "v1")
	if err != nil {
		t.Fatalf("SetupOTel: %v", err)
	}

	_, span := otel.Tracer("relay-smoke").Start(context.Background(), "reconcile", trace.WithSpanKind(trace.SpanKindInternal))
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
