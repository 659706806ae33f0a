package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestOutcomeAttributes(t *testing.T) {
	attrs := OutcomeAttributes("dev", "snapshot", OutcomeIncomplete, "stalled")
	set := attribute.NewSet(attrs...)
	if v, ok := set.Value(AttrOutcome); !ok || v.AsString() != "incomplete" {
		t.Fatalf("expected outcome attribute, got %v", attrs)
	}
	if v, ok := set.Value(AttrReason); !ok || v.AsString() != "stalled" {
		t.Fatalf("expected reason attribute, got %v", attrs)
	}
	if _, ok := set.Value(AttrInstrument); ok {
		t.Fatal("instrument should be omitted when empty")
	}
}

func TestBatchAttributesSkipEmpty(t *testing.T) {
	if got := len(BatchAttributes("dev", "", "")); got != 1 {
		t.Fatalf("expected only environment, got %d attributes", got)
	}
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("https://collector:4318"); got != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestDisabledProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "STAGING"
	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.Meter("test") == nil {
		t.Fatal("expected fallback meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if Environment() != "staging" {
		t.Fatalf("expected lowercased environment, got %q", Environment())
	}
}
