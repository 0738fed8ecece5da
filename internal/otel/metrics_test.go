package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.LockWaitDuration == nil {
		t.Error("LockWaitDuration is nil")
	}
	if m.AccumulationWindow == nil {
		t.Error("AccumulationWindow is nil")
	}
	if m.TurnDuration == nil {
		t.Error("TurnDuration is nil")
	}
	if m.MessagesPerTurn == nil {
		t.Error("MessagesPerTurn is nil")
	}
	if m.SupersedeDecisions == nil {
		t.Error("SupersedeDecisions is nil")
	}
	if m.IdempotencyHits == nil {
		t.Error("IdempotencyHits is nil")
	}
	if m.IdempotencyConflicts == nil {
		t.Error("IdempotencyConflicts is nil")
	}
	if m.ArtifactReuses == nil {
		t.Error("ArtifactReuses is nil")
	}
	if m.ArtifactRecomputes == nil {
		t.Error("ArtifactRecomputes is nil")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
