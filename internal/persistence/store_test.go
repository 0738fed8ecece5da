package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/turn"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "fabric.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSessionKey() turn.SessionKey {
	return turn.SessionKey{TenantID: "acme", AgentID: "support", CustomerID: "cust-1", Channel: "whatsapp"}
}

func createTestTurn(t *testing.T, store *Store, id, groupID string) *turn.LogicalTurn {
	t.Helper()
	now := time.Now().UTC()
	lt := &turn.LogicalTurn{
		ID:          id,
		TurnGroupID: groupID,
		SessionKey:  testSessionKey(),
		FirstAt:     now,
		LastAt:      now,
	}
	err := store.CreateTurn(context.Background(), lt, turn.Message{
		ID: id + "-m1", SessionKey: lt.SessionKey, Text: "hello", ReceivedAt: now,
	})
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	return lt
}

func TestOpen_SchemaLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var version int
	var checksum string
	err = store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).
		Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != schemaVersionLatest || checksum != schemaChecksumLatest {
		t.Fatalf("ledger = v%d %q", version, checksum)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening an up-to-date database succeeds.
	store2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = store2.Close()
}

func TestOpen_ChecksumMismatchRefuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'divergent';`); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected open to refuse divergent checksum")
	}
}

func TestFabricEvents_AppendListPurge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	key := testSessionKey().String()

	for i := 0; i < 3; i++ {
		if err := store.AppendFabricEvent(ctx, bus.FabricEvent{
			Type:          bus.TopicTurnStarted,
			LogicalTurnID: "t-1",
			SessionKey:    key,
			Payload:       map[string]any{"n": i},
		}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := store.ListFabricEventsFrom(ctx, key, 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].EventID <= events[i-1].EventID {
			t.Fatal("event ids not monotonic")
		}
	}

	// Replay from a cursor.
	tail, err := store.ListFabricEventsFrom(ctx, key, events[0].EventID, 10)
	if err != nil {
		t.Fatalf("list from cursor: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("got %d tail events, want 2", len(tail))
	}

	n, err := store.PurgeFabricEventsBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 3 {
		t.Fatalf("purged %d, want 3", n)
	}
}

func TestFabricEvents_PublishToBus(t *testing.T) {
	b := bus.New()
	store, err := Open(filepath.Join(t.TempDir(), "fabric.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	sub := b.Subscribe("turn.")
	defer b.Unsubscribe(sub)

	if err := store.AppendFabricEvent(context.Background(), bus.FabricEvent{
		Type: bus.TopicTurnCompleted, LogicalTurnID: "t-9",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Payload.LogicalTurnID != "t-9" {
			t.Fatalf("turn id = %q", ev.Payload.LogicalTurnID)
		}
	case <-time.After(time.Second):
		t.Fatal("event not published to bus")
	}
}
