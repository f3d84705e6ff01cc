package telemetry

import (
	"testing"
	"time"
)

func TestNewWithoutEndpointUsesNoopProvider(t *testing.T) {
	m, err := New(t.Context(), "marketmaker", "", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m == nil {
		t.Fatalf("expected non-nil Metrics")
	}
	// A no-op meter must accept recordings without panicking.
	m.OrdersPlaced.Add(t.Context(), 1)
	m.NAV.Record(t.Context(), 1234.5)
	m.RecordLoopDuration(t.Context(), 10*time.Millisecond)
}

func TestShutdownIsSafeWithoutExporter(t *testing.T) {
	m, err := New(t.Context(), "marketmaker", "", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
