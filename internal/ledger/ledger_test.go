package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/turn"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fabric.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(Config{Store: store})
}

func TestKeyFormats(t *testing.T) {
	if got := RequestKey("acme", "req-123"); got != "acme:req-123" {
		t.Errorf("request key = %q", got)
	}
	if got := SideEffectKey("refund", "order-9", "tg-1"); got != "refund:order-9:turn_group:tg-1" {
		t.Errorf("side effect key = %q", got)
	}
	a := BeatKey("acme", "acme:a:c:web", []string{"m2", "m1"})
	b := BeatKey("acme", "acme:a:c:web", []string{"m1", "m2"})
	if a != b {
		t.Error("beat key must be insensitive to message id order")
	}
	c := BeatKey("acme", "acme:a:c:web", []string{"m1", "m3"})
	if a == c {
		t.Error("different message sets must produce different beat keys")
	}
}

func TestReserveRequest_Lifecycle(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	out, err := l.ReserveRequest(ctx, "acme", "req-1", "fp-a")
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if out.State != persistence.ReservationFresh {
		t.Fatalf("state = %s, want FRESH", out.State)
	}

	// Same key before completion reads as in flight.
	out, err = l.ReserveRequest(ctx, "acme", "req-1", "fp-a")
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if out.State != persistence.ReservationInFlight {
		t.Fatalf("state = %s, want IN_FLIGHT", out.State)
	}

	if err := l.Complete(ctx, persistence.LayerRequest, RequestKey("acme", "req-1"), `{"ok":true}`); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out, err = l.ReserveRequest(ctx, "acme", "req-1", "fp-a")
	if err != nil {
		t.Fatalf("post-complete reserve: %v", err)
	}
	if out.State != persistence.ReservationDone || out.CachedResult != `{"ok":true}` {
		t.Fatalf("got %+v, want DONE with cached result", out)
	}
}

func TestReserveRequest_ConflictOnDifferentFingerprint(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	if _, err := l.ReserveRequest(ctx, "acme", "req-2", "fp-a"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	out, err := l.ReserveRequest(ctx, "acme", "req-2", "fp-DIFFERENT")
	if !errors.Is(err, turn.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}
	if out.State != persistence.ReservationConflict {
		t.Errorf("state = %s, want CONFLICT", out.State)
	}
}

func TestReleaseOnFailure_AllowsRetry(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	if _, err := l.ReserveSideEffect(ctx, "refund", "order-1", "tg-1", "fp"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	key := SideEffectKey("refund", "order-1", "tg-1")
	if err := l.ReleaseOnFailure(ctx, persistence.LayerSideEffect, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	out, err := l.ReserveSideEffect(ctx, "refund", "order-1", "tg-1", "fp")
	if err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if out.State != persistence.ReservationFresh {
		t.Fatalf("state after release = %s, want FRESH", out.State)
	}
}

func TestSideEffect_FreshGroupIsFreshKey(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	if _, err := l.ReserveSideEffect(ctx, "refund", "order-1", "tg-1", "fp"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Complete(ctx, persistence.LayerSideEffect, SideEffectKey("refund", "order-1", "tg-1"), "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Same chain: the successor turn sees DONE and must not re-execute.
	out, err := l.ReserveSideEffect(ctx, "refund", "order-1", "tg-1", "fp")
	if err != nil {
		t.Fatalf("chain reserve: %v", err)
	}
	if out.State != persistence.ReservationDone {
		t.Fatalf("same group state = %s, want DONE", out.State)
	}

	// New turn group (QUEUE path): free to execute again.
	out, err = l.ReserveSideEffect(ctx, "refund", "order-1", "tg-2", "fp")
	if err != nil {
		t.Fatalf("fresh group reserve: %v", err)
	}
	if out.State != persistence.ReservationFresh {
		t.Fatalf("fresh group state = %s, want FRESH", out.State)
	}
}

func TestReserveBeat_ShortTTLExpires(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fabric.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	l := New(Config{Store: store, BeatTTL: 50 * time.Millisecond})
	ctx := context.Background()

	ids := []string{"m1", "m2"}
	if _, err := l.ReserveBeat(ctx, "acme", "acme:a:c:web", ids); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	out, err := l.ReserveBeat(ctx, "acme", "acme:a:c:web", ids)
	if err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if out.State != persistence.ReservationFresh {
		t.Fatalf("state after expiry = %s, want FRESH", out.State)
	}
}
