package telemetry_test

import (
	"context"
	"testing"

	"github.com/halbridge/halbridge/internal/config"
	"github.com/halbridge/halbridge/internal/telemetry"
)

func TestInit_Disabled(t *testing.T) {
	tests := []config.TelemetryConfig{
		{Enabled: false, OTLPEndpoint: "localhost:4317"},
		{Enabled: true, OTLPEndpoint: ""},
	}
	for _, cfg := range tests {
		shutdown, err := telemetry.Init(context.Background(), cfg, "test")
		if err != nil {
			t.Fatalf("Init(%+v) error = %v", cfg, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown() error = %v", err)
		}
	}
}
