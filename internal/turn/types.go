// Package turn defines the domain model of the turn orchestration fabric:
// session identity, logical turns, supersede decisions, and side-effect
// policies. It carries no I/O; storage lives in internal/persistence.
package turn

import (
	"fmt"
	"strings"
	"time"
)

// SessionKey is the composite conversation identity. It is the unit of
// mutual exclusion: one key, one in-flight turn.
type SessionKey struct {
	TenantID   string
	AgentID    string
	CustomerID string
	Channel    string
}

// String serializes the key to its stable wire form
// "{tenant}:{agent}:{customer}:{channel}". This string is used as the
// lock key and the turn-store partition key; the format is load-bearing.
func (k SessionKey) String() string {
	return k.TenantID + ":" + k.AgentID + ":" + k.CustomerID + ":" + k.Channel
}

// ParseSessionKey parses the stable string form back into a SessionKey.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return SessionKey{}, fmt.Errorf("session key %q: want 4 colon-separated parts, got %d", s, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return SessionKey{}, fmt.Errorf("session key %q: empty part at position %d", s, i)
		}
	}
	return SessionKey{TenantID: parts[0], AgentID: parts[1], CustomerID: parts[2], Channel: parts[3]}, nil
}

// Status is the lifecycle state of a LogicalTurn.
type Status string

const (
	StatusAccumulating Status = "ACCUMULATING"
	StatusProcessing   Status = "PROCESSING"
	StatusComplete     Status = "COMPLETE"
	StatusSuperseded   Status = "SUPERSEDED"
)

// Terminal reports whether the status is final. A terminal turn is immutable.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusSuperseded
}

// CompletionReason records why accumulation stopped.
type CompletionReason string

const (
	CompletionTimeout   CompletionReason = "timeout"
	CompletionExplicit  CompletionReason = "explicit-signal"
	CompletionPredicted CompletionReason = "predicted"
)

// Message is one raw inbound message, before accumulation groups it into
// a LogicalTurn.
type Message struct {
	ID         string
	SessionKey SessionKey
	Text       string
	ReceivedAt time.Time
}

// LogicalTurn is the atomic unit of user intent: one or more raw messages
// accumulated into a single processing attempt.
type LogicalTurn struct {
	ID          string
	TurnGroupID string
	SessionKey  SessionKey

	// MessageIDs is the ordered list of constituent raw messages.
	MessageIDs []string

	// Messages holds the full message bodies in MessageIDs order. It is
	// populated on demand for processing and not part of the row itself.
	Messages []Message

	Status           Status
	CompletionReason CompletionReason

	FirstAt time.Time
	LastAt  time.Time

	// SupersededBy / SupersededFrom are turn IDs forming the supersede
	// chain. The chain is append-only and acyclic: SupersededBy always
	// points toward a newer turn.
	SupersededBy   string
	SupersededFrom string

	// IrreversibleEffectAt is set when the first IRREVERSIBLE side effect
	// is recorded for this turn. Once set, the turn can no longer absorb
	// new messages and supersede decisions are clamped to QUEUE or
	// FORCE_COMPLETE.
	IrreversibleEffectAt *time.Time

	Response string
}

// CanAbsorb reports whether the turn may still take on new messages.
func (t *LogicalTurn) CanAbsorb() bool {
	if t.Status.Terminal() {
		return false
	}
	return t.IrreversibleEffectAt == nil
}

// SupersedeAction is the outcome class of one conflict decision.
type SupersedeAction string

const (
	ActionSupersede     SupersedeAction = "SUPERSEDE"
	ActionAbsorb        SupersedeAction = "ABSORB"
	ActionQueue         SupersedeAction = "QUEUE"
	ActionForceComplete SupersedeAction = "FORCE_COMPLETE"
)

// AbsorbStrategy refines ABSORB: restart from scratch with the combined
// message set, or continue with the new message as additional input.
type AbsorbStrategy string

const (
	AbsorbRestart  AbsorbStrategy = "RESTART"
	AbsorbContinue AbsorbStrategy = "CONTINUE"
)

// SupersedeDecision is produced exactly once per conflicting-message
// event and never retroactively changed.
type SupersedeDecision struct {
	Action         SupersedeAction
	AbsorbStrategy AbsorbStrategy // only for ActionAbsorb
	Reason         string
}

// SideEffectPolicy classifies an externally-callable operation by how
// safely it can be repeated or undone.
type SideEffectPolicy string

const (
	EffectPure          SideEffectPolicy = "PURE"
	EffectIdempotent    SideEffectPolicy = "IDEMPOTENT"
	EffectCompensatable SideEffectPolicy = "COMPENSATABLE"
	EffectIrreversible  SideEffectPolicy = "IRREVERSIBLE"
)

// SideEffectRecord is one executed (or authorized) external effect
// attributed to a turn.
type SideEffectRecord struct {
	Operation   string
	BusinessKey string
	Policy      SideEffectPolicy
	ExecutedAt  time.Time
	Result      string
}

// ReusePolicy is declared per processing stage by the reasoning engine;
// the fabric only enforces it.
type ReusePolicy string

const (
	ReuseAlwaysSafe  ReusePolicy = "ALWAYS_SAFE"
	ReuseConditional ReusePolicy = "CONDITIONAL"
	ReuseNever       ReusePolicy = "NEVER"
)

// Artifact is the cached output of one processing stage, valid for reuse
// while its fingerprints still match the live inputs.
type Artifact struct {
	StageID string
	Payload []byte

	// InputFingerprint hashes the declared stage inputs;
	// DependencyFingerprint hashes external meaning dependencies
	// (rule-set version, scenario-graph version, template version).
	// They are separate namespaces: either one can invalidate reuse
	// independently.
	InputFingerprint      string
	DependencyFingerprint string

	CreatedAt  time.Time
	ReuseCount int
}

// AccumulationHint is guidance carried over from a completed turn to the
// accumulation of the NEXT turn on the same session. It is persisted at
// commit and read back from storage, never from in-process state.
type AccumulationHint struct {
	// ExpectReply shortens the next window: the agent just asked a
	// question and a quick answer is likely.
	ExpectReply bool
	// WindowScale multiplies the base window; 0 means unset.
	WindowScale float64
}
