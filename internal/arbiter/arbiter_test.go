package arbiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/turn"
	"github.com/google/uuid"
)

type fixedDecider struct {
	decision turn.SupersedeDecision
	err      error
	calls    int
}

func (f *fixedDecider) RequestSupersedeDecision(_ context.Context, _ *turn.LogicalTurn, _ turn.Message) (turn.SupersedeDecision, error) {
	f.calls++
	return f.decision, f.err
}

func liveTurn() *turn.LogicalTurn {
	key, _ := turn.ParseSessionKey("acme:agent1:cust9:webchat")
	return &turn.LogicalTurn{
		ID:          uuid.NewString(),
		TurnGroupID: uuid.NewString(),
		SessionKey:  key,
		Status:      turn.StatusProcessing,
	}
}

func TestDecide_IrreversibleClampsToQueue(t *testing.T) {
	a := New(nil, bus.New())
	lt := liveTurn()
	at := time.Now().UTC()
	lt.IrreversibleEffectAt = &at

	engine := &fixedDecider{decision: turn.SupersedeDecision{Action: turn.ActionSupersede}}
	d := a.Decide(context.Background(), lt, turn.Message{ID: "m2"}, engine, "SUPERSEDE", false)
	if d.Action != turn.ActionQueue {
		t.Fatalf("action = %s, want QUEUE", d.Action)
	}
	if engine.calls != 0 {
		t.Error("engine must not be consulted after an irreversible effect")
	}
}

func TestDecide_DelegatesToEngine(t *testing.T) {
	a := New(nil, nil)
	engine := &fixedDecider{decision: turn.SupersedeDecision{
		Action: turn.ActionSupersede,
		Reason: "user corrected destination",
	}}
	d := a.Decide(context.Background(), liveTurn(), turn.Message{ID: "m2"}, engine, "QUEUE", false)
	if d.Action != turn.ActionSupersede {
		t.Fatalf("action = %s, want SUPERSEDE", d.Action)
	}
}

func TestDecide_AbsorbDefaultsToRestart(t *testing.T) {
	a := New(nil, nil)
	engine := &fixedDecider{decision: turn.SupersedeDecision{Action: turn.ActionAbsorb}}
	d := a.Decide(context.Background(), liveTurn(), turn.Message{ID: "m2"}, engine, "QUEUE", false)
	if d.Action != turn.ActionAbsorb || d.AbsorbStrategy != turn.AbsorbRestart {
		t.Fatalf("got %+v, want ABSORB/RESTART", d)
	}
}

func TestDecide_EngineErrorFallsBackToChannelDefault(t *testing.T) {
	a := New(nil, nil)
	engine := &fixedDecider{err: errors.New("engine timeout")}
	d := a.Decide(context.Background(), liveTurn(), turn.Message{ID: "m2"}, engine, "ABSORB", false)
	if d.Action != turn.ActionAbsorb {
		t.Fatalf("action = %s, want channel default ABSORB", d.Action)
	}
}

func TestDecide_NilEngineUsesChannelDefault(t *testing.T) {
	a := New(nil, nil)
	d := a.Decide(context.Background(), liveTurn(), turn.Message{ID: "m2"}, nil, "bogus", false)
	if d.Action != turn.ActionQueue {
		t.Fatalf("action = %s, want QUEUE for unknown default", d.Action)
	}
}

func TestDecide_CommitPointDowngrades(t *testing.T) {
	a := New(nil, nil)
	for _, requested := range []turn.SupersedeAction{turn.ActionAbsorb, turn.ActionSupersede} {
		engine := &fixedDecider{decision: turn.SupersedeDecision{Action: requested}}
		d := a.Decide(context.Background(), liveTurn(), turn.Message{ID: "m2"}, engine, "QUEUE", true)
		if d.Action != turn.ActionQueue {
			t.Errorf("requested %s past commit point: got %s, want QUEUE", requested, d.Action)
		}
	}
}

func TestDecide_NeverUpgradesQueue(t *testing.T) {
	a := New(nil, nil)
	engine := &fixedDecider{decision: turn.SupersedeDecision{Action: turn.ActionForceComplete}}
	d := a.Decide(context.Background(), liveTurn(), turn.Message{ID: "m2"}, engine, "SUPERSEDE", true)
	if d.Action != turn.ActionForceComplete {
		t.Fatalf("action = %s, FORCE_COMPLETE must pass through unchanged", d.Action)
	}
}

func TestDecide_EmitsRequestedEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("supersede.")
	defer b.Unsubscribe(sub)

	a := New(nil, b)
	a.Decide(context.Background(), liveTurn(), turn.Message{ID: "m2"}, nil, "QUEUE", false)

	select {
	case ev := <-sub.Ch():
		if ev.Payload.Type != bus.TopicSupersedeRequested {
			t.Errorf("event type = %s", ev.Payload.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no supersede.requested event published")
	}
}
