package turn

import (
	"errors"
	"fmt"
)

// Fabric error taxonomy. Callers branch on these with errors.Is; the
// concrete messages carry context via wrapping.
var (
	// ErrLockTimeout: lock acquisition exceeded wait_timeout. Retryable
	// by the caller (queue-and-retry or explicit busy response).
	ErrLockTimeout = errors.New("session lock acquisition timed out")

	// ErrLockLost: the lease expired mid-operation. Fatal to the current
	// attempt; recovery restarts from durable state.
	ErrLockLost = errors.New("session lock lease lost")

	// ErrIdempotencyConflict: same key, different payload. Surfaced to
	// the caller as a client error, never silently overwritten.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	// ErrSuperseded is a control-flow signal, not a failure: the current
	// turn was cancelled in favor of a newer one.
	ErrSuperseded = errors.New("turn superseded")

	// ErrArtifactReuseInvalid: fingerprint mismatch discovered post-hoc.
	// Falls back to recomputation; logged, not fatal.
	ErrArtifactReuseInvalid = errors.New("artifact reuse invalidated by fingerprint mismatch")

	// ErrStorageUnavailable: the lock/ledger/artifact backend is down.
	ErrStorageUnavailable = errors.New("fabric storage unavailable")
)

// InvalidTransitionError reports a rejected turn status transition.
type InvalidTransitionError struct {
	TurnID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("turn %s: invalid transition %s -> %s", e.TurnID, e.From, e.To)
}

// allowedTransitions encodes the turn lifecycle. Terminal states have no
// outgoing edges.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusAccumulating: {
		StatusProcessing: {},
		StatusSuperseded: {},
	},
	StatusProcessing: {
		StatusComplete:   {},
		StatusSuperseded: {},
	},
}

// ValidTransition reports whether from -> to is a legal lifecycle edge.
func ValidTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
