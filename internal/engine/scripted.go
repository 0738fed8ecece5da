package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/basket/turnfabric/internal/artifact"
	"github.com/basket/turnfabric/internal/turn"
)

// composeStage is the echo path's single checkpoint stage. The composed
// response is cached CONDITIONAL on the message set, so a resumed turn
// with the same messages serves the stored response.
const composeStage = "compose"

// composeVersion invalidates cached compose artifacts when the echo
// format changes.
const composeVersion = "scripted-v1"

// Scripted is a deterministic engine. It echoes the accumulated message
// text and runs per-turn hooks registered by tests or the demo binary.
// It checks for conflicting messages between its processing steps the
// way a real engine would between reasoning stages.
type Scripted struct {
	mu sync.Mutex
	// StepDelay simulates per-stage engine latency via ctx-aware waits
	// registered in hooks; the zero value processes instantly.
	hooks []func(ctx context.Context, lt *turn.LogicalTurn, signals Signals) (*Result, error)

	artifacts *artifact.Cache
}

// NewScripted returns an engine that echoes its input.
func NewScripted() *Scripted {
	return &Scripted{}
}

// AttachArtifacts hands the engine a checkpoint cache. With a cache
// attached, the echo path stores its composed response as a stage
// artifact and serves the stored payload when the fingerprints still
// match, instead of recomputing.
func (s *Scripted) AttachArtifacts(c *artifact.Cache) {
	s.artifacts = c
}

// Enqueue registers a hook consumed by the next Process call. When no
// hook is queued, Process falls back to the echo behavior.
func (s *Scripted) Enqueue(hook func(ctx context.Context, lt *turn.LogicalTurn, signals Signals) (*Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Scripted) Process(ctx context.Context, lt *turn.LogicalTurn, signals Signals) (*Result, error) {
	s.mu.Lock()
	var hook func(ctx context.Context, lt *turn.LogicalTurn, signals Signals) (*Result, error)
	if len(s.hooks) > 0 {
		hook = s.hooks[0]
		s.hooks = s.hooks[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		return hook(ctx, lt, signals)
	}

	if signals != nil && signals.HasPendingConflictingMessage() {
		// Let the arbiter settle the conflict before producing output.
		d, err := signals.RequestSupersedeDecision(ctx, turn.Message{})
		if err != nil {
			return nil, err
		}
		if d.Action == turn.ActionSupersede {
			return nil, turn.ErrSuperseded
		}
	}

	texts := make([]string, 0, len(lt.Messages))
	for _, m := range lt.Messages {
		texts = append(texts, m.Text)
	}

	reuse := map[string]turn.ReusePolicy{composeStage: turn.ReuseConditional}
	fp := artifact.Fingerprints{
		Input:      artifact.FingerprintInputs(texts...),
		Dependency: artifact.FingerprintDependencies(map[string]string{"engine": composeVersion}),
	}
	if s.artifacts != nil {
		a, err := s.artifacts.Get(ctx, lt, composeStage, turn.ReuseConditional, fp)
		if err == nil && a != nil {
			return &Result{Response: string(a.Payload), ReuseDeclarations: reuse}, nil
		}
	}

	resp := fmt.Sprintf("received: %s", strings.Join(texts, " "))
	if s.artifacts != nil {
		// A failed checkpoint write never fails the turn.
		_ = s.artifacts.Put(ctx, lt, turn.Artifact{
			StageID:               composeStage,
			Payload:               []byte(resp),
			InputFingerprint:      fp.Input,
			DependencyFingerprint: fp.Dependency,
		})
	}
	return &Result{Response: resp, ReuseDeclarations: reuse}, nil
}
