package artifact

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/turn"
	"github.com/google/uuid"
)

func testCache(t *testing.T) (*Cache, *persistence.Store, *turn.LogicalTurn) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fabric.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key, _ := turn.ParseSessionKey("acme:agent1:cust9:webchat")
	lt := &turn.LogicalTurn{
		ID:          uuid.NewString(),
		TurnGroupID: uuid.NewString(),
		SessionKey:  key,
		Status:      turn.StatusAccumulating,
	}
	if err := store.CreateTurn(context.Background(), lt, turn.Message{ID: "m1", Text: "hi", ReceivedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	return New(Config{Store: store, Bus: bus.New(), TTL: time.Minute}), store, lt
}

func TestCache_PutGetAlwaysSafe(t *testing.T) {
	c, _, lt := testCache(t)
	ctx := context.Background()

	a := turn.Artifact{StageID: "intent", Payload: []byte(`{"intent":"refund"}`)}
	if err := c.Put(ctx, lt, a); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := c.Get(ctx, lt, "intent", turn.ReuseAlwaysSafe, Fingerprints{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || string(got.Payload) != string(a.Payload) {
		t.Fatalf("got %+v, want payload back", got)
	}
}

func TestCache_NeverAlwaysRecomputes(t *testing.T) {
	c, _, lt := testCache(t)
	ctx := context.Background()
	if err := c.Put(ctx, lt, turn.Artifact{StageID: "persist", Payload: []byte("x")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := c.Get(ctx, lt, "persist", turn.ReuseNever, Fingerprints{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("NEVER policy must not return a cached artifact")
	}
}

func TestCache_ConditionalFingerprintMatch(t *testing.T) {
	c, _, lt := testCache(t)
	ctx := context.Background()

	fp := Fingerprints{
		Input:      FingerprintInputs("hello", "how are you"),
		Dependency: FingerprintDependencies(map[string]string{"rules": "v3", "templates": "v7"}),
	}
	a := turn.Artifact{
		StageID:               "plan",
		Payload:               []byte("plan-v1"),
		InputFingerprint:      fp.Input,
		DependencyFingerprint: fp.Dependency,
	}
	if err := c.Put(ctx, lt, a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get(ctx, lt, "plan", turn.ReuseConditional, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("matching fingerprints should reuse")
	}

	// A bumped rule-set version invalidates even though inputs match.
	stale := Fingerprints{
		Input:      fp.Input,
		Dependency: FingerprintDependencies(map[string]string{"rules": "v4", "templates": "v7"}),
	}
	got, err = c.Get(ctx, lt, "plan", turn.ReuseConditional, stale)
	if err != nil {
		t.Fatalf("Get stale: %v", err)
	}
	if got != nil {
		t.Fatal("dependency fingerprint mismatch must recompute")
	}
}

func TestCache_FingerprintNamespacesDiffer(t *testing.T) {
	in := FingerprintInputs("v=1")
	dep := FingerprintDependencies(map[string]string{"v": "1"})
	if in == dep {
		t.Fatal("input and dependency namespaces must not collide")
	}
}

func TestCache_DependencyFingerprintOrderStable(t *testing.T) {
	a := FingerprintDependencies(map[string]string{"a": "1", "b": "2"})
	b := FingerprintDependencies(map[string]string{"b": "2", "a": "1"})
	if a != b {
		t.Fatal("dependency fingerprint must be order independent")
	}
}

func TestCache_CopyForSupersede(t *testing.T) {
	c, store, lt := testCache(t)
	ctx := context.Background()

	for _, stage := range []string{"intent", "plan", "persist"} {
		if err := c.Put(ctx, lt, turn.Artifact{StageID: stage, Payload: []byte(stage)}); err != nil {
			t.Fatalf("Put %s: %v", stage, err)
		}
	}

	successor := uuid.NewString()
	n, err := c.CopyForSupersede(ctx, lt.ID, successor, []string{"persist"})
	if err != nil {
		t.Fatalf("CopyForSupersede: %v", err)
	}
	if n != 2 {
		t.Errorf("copied = %d, want 2", n)
	}
	if a, _ := store.GetArtifact(ctx, successor, "persist"); a != nil {
		t.Error("NEVER stage must not be copied")
	}
	if a, _ := store.GetArtifact(ctx, successor, "plan"); a == nil {
		t.Error("reusable stage should be copied")
	}
}
