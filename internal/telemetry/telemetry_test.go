package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestSetup_Disabled(t *testing.T) {
	t.Parallel()

	tel, err := Setup("arrgate", "test", false)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if tel.Enabled() {
		t.Error("Enabled() = true, want false")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() on disabled handle error: %v", err)
	}
}

func TestSetup_Enabled(t *testing.T) {
	// Not parallel: installs the global otel providers.
	tel, err := Setup("arrgate", "test", true)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if !tel.Enabled() {
		t.Error("Enabled() = false, want true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}
