package observability

import (
	"context"
	"testing"

	"github.com/danmuck/statebridge/internal/testutil/testlog"
)

func TestSetupTracingNoopWhenEndpointEmpty(t *testing.T) {
	testlog.Start(t)
	t.Setenv("STATEBRIDGE_OTEL_ENDPOINT", "")
	t.Setenv("STATEBRIDGE_OTEL_ENABLED", "")

	shutdown, err := SetupTracing(context.Background(), "authority")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupTracingNoopWhenDisabled(t *testing.T) {
	testlog.Start(t)
	t.Setenv("STATEBRIDGE_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("STATEBRIDGE_OTEL_ENABLED", "false")

	shutdown, err := SetupTracing(context.Background(), "replica")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
