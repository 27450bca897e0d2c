package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("global tracer provider replaced without an endpoint")
	}
}

func TestSetupInstallsProvider(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{
		Endpoint:    "127.0.0.1:4318",
		URLPath:     "/v1/traces",
		ServiceName: "signalq-test",
		Insecure:    true,
	})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected sdk tracer provider, got %T", otel.GetTracerProvider())
	}

	// nothing was recorded, so shutdown does not reach the collector
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
