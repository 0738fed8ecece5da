// Package arbiter resolves what happens when a new message arrives while
// a turn is already processing. The arbiter owns the safety rules; the
// reasoning engine owns the conversational semantics. Enforcement is
// strictly one-directional: a decision can be downgraded toward QUEUE or
// FORCE_COMPLETE but never upgraded into something that would cancel
// already-committed effects.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/turnfabric/internal/audit"
	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/turn"
)

// Decider is the slice of the reasoning engine the arbiter consults. It
// alone can tell "I meant London, not Paris" from "order #12345".
type Decider interface {
	RequestSupersedeDecision(ctx context.Context, current *turn.LogicalTurn, candidate turn.Message) (turn.SupersedeDecision, error)
}

// Arbiter applies the decision policy for one conflicting message.
type Arbiter struct {
	logger *slog.Logger
	bus    *bus.Bus
}

func New(logger *slog.Logger, eventBus *bus.Bus) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{logger: logger.With("component", "supersede_arbiter"), bus: eventBus}
}

// Decide produces exactly one decision for the candidate message against
// the currently live turn. channelDefault is the channel policy fallback
// used when the engine declines or fails; commitReached reports whether
// the current turn has passed its commit point.
func (a *Arbiter) Decide(ctx context.Context, current *turn.LogicalTurn, candidate turn.Message, engine Decider, channelDefault string, commitReached bool) turn.SupersedeDecision {
	a.emitRequested(current, candidate)

	// Automatic rule: once an irreversible effect has executed the turn
	// must be allowed to finish. No engine consultation can change that.
	if current.IrreversibleEffectAt != nil {
		d := turn.SupersedeDecision{
			Action: turn.ActionQueue,
			Reason: "irreversible effect already executed",
		}
		a.log(current, candidate, d, "auto")
		return d
	}

	requested := a.delegate(ctx, current, candidate, engine, channelDefault)
	enforced := a.enforce(current, requested, commitReached)
	a.log(current, candidate, enforced, "delegated")
	return enforced
}

func (a *Arbiter) delegate(ctx context.Context, current *turn.LogicalTurn, candidate turn.Message, engine Decider, channelDefault string) turn.SupersedeDecision {
	fallback := turn.SupersedeDecision{
		Action: fallbackAction(channelDefault),
		Reason: "channel default",
	}
	if engine == nil {
		return fallback
	}
	d, err := engine.RequestSupersedeDecision(ctx, current, candidate)
	if err != nil {
		a.logger.Warn("engine supersede decision failed, using channel default",
			"turn_id", current.ID, "error", err)
		return fallback
	}
	if d.Action == "" {
		return fallback
	}
	if d.Action == turn.ActionAbsorb && d.AbsorbStrategy == "" {
		d.AbsorbStrategy = turn.AbsorbRestart
	}
	return d
}

// enforce downgrades structurally impossible decisions. SUPERSEDE and
// ABSORB both rewrite or extend the current turn; once the commit point
// is reached, or once the turn can no longer absorb, QUEUE is the floor.
func (a *Arbiter) enforce(current *turn.LogicalTurn, d turn.SupersedeDecision, commitReached bool) turn.SupersedeDecision {
	switch d.Action {
	case turn.ActionQueue, turn.ActionForceComplete:
		return d
	case turn.ActionAbsorb:
		if commitReached || !current.CanAbsorb() {
			return turn.SupersedeDecision{
				Action: turn.ActionQueue,
				Reason: fmt.Sprintf("absorb downgraded: %s", downgradeReason(current, commitReached)),
			}
		}
		return d
	case turn.ActionSupersede:
		if commitReached {
			return turn.SupersedeDecision{
				Action: turn.ActionQueue,
				Reason: "supersede downgraded: commit point already reached",
			}
		}
		return d
	default:
		return turn.SupersedeDecision{Action: turn.ActionQueue, Reason: "unrecognized action"}
	}
}

func downgradeReason(current *turn.LogicalTurn, commitReached bool) string {
	if commitReached {
		return "commit point already reached"
	}
	if current.Status.Terminal() {
		return "turn already terminal"
	}
	return "turn no longer absorbable"
}

func fallbackAction(channelDefault string) turn.SupersedeAction {
	switch turn.SupersedeAction(channelDefault) {
	case turn.ActionSupersede, turn.ActionAbsorb, turn.ActionQueue, turn.ActionForceComplete:
		return turn.SupersedeAction(channelDefault)
	default:
		return turn.ActionQueue
	}
}

func (a *Arbiter) emitRequested(current *turn.LogicalTurn, candidate turn.Message) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(bus.FabricEvent{
		Type:          bus.TopicSupersedeRequested,
		LogicalTurnID: current.ID,
		SessionKey:    current.SessionKey.String(),
		Payload: map[string]any{
			"candidate_message_id": candidate.ID,
			"turn_status":          string(current.Status),
		},
	})
}

func (a *Arbiter) log(current *turn.LogicalTurn, candidate turn.Message, d turn.SupersedeDecision, source string) {
	audit.RecordSupersede(current.ID, current.TurnGroupID, current.SessionKey.String(), string(d.Action), d.Reason)
	a.logger.Info("supersede decision",
		"turn_id", current.ID,
		"turn_group_id", current.TurnGroupID,
		"candidate_message_id", candidate.ID,
		"action", string(d.Action),
		"absorb_strategy", string(d.AbsorbStrategy),
		"reason", d.Reason,
		"source", source,
	)
}
