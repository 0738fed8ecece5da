// Package engine defines the contract between the fabric and the
// external reasoning engine. The fabric never interprets conversational
// meaning; it hands a complete logical turn to the engine and enforces
// whatever the engine declares about side effects and artifact reuse.
package engine

import (
	"context"

	"github.com/basket/turnfabric/internal/turn"
)

// Signals is the fabric-side callback surface passed into Process. The
// engine uses it to notice mid-processing conflicts and to hand conflict
// resolution back to the arbiter.
type Signals interface {
	// HasPendingConflictingMessage reports whether a new message arrived
	// for this session while the turn is processing.
	HasPendingConflictingMessage() bool

	// RequestSupersedeDecision resolves a conflicting message through
	// the arbiter. The returned decision is already enforcement-clamped;
	// the engine must honor it.
	RequestSupersedeDecision(ctx context.Context, candidate turn.Message) (turn.SupersedeDecision, error)
}

// StagedMutation is one external effect the engine wants executed at
// commit. Mutations are staged during processing and only authorized by
// the orchestrator, gated by the side-effect idempotency layer.
type StagedMutation struct {
	Operation   string
	BusinessKey string
	Policy      turn.SideEffectPolicy
	Payload     string
}

// Result is everything the engine produces for one processed turn.
type Result struct {
	Response string
	// StagedMutations execute at commit in order.
	StagedMutations []StagedMutation
	// AccumulationHint, if set, is persisted for the session's next turn.
	AccumulationHint *turn.AccumulationHint
	// ReuseDeclarations maps stage id to that stage's artifact reuse
	// policy. Stages not listed default to NEVER.
	ReuseDeclarations map[string]turn.ReusePolicy
}

// ReusePolicyFor resolves a stage's declared policy, defaulting to NEVER.
func (r *Result) ReusePolicyFor(stageID string) turn.ReusePolicy {
	if p, ok := r.ReuseDeclarations[stageID]; ok {
		return p
	}
	return turn.ReuseNever
}

// Engine is the reasoning engine the orchestrator delegates to.
type Engine interface {
	Process(ctx context.Context, lt *turn.LogicalTurn, signals Signals) (*Result, error)
}
