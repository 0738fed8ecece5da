package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/basket/turnfabric/internal/accumulate"
	"github.com/basket/turnfabric/internal/arbiter"
	"github.com/basket/turnfabric/internal/audit"
	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/engine"
	"github.com/basket/turnfabric/internal/ledger"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/policy"
	"github.com/basket/turnfabric/internal/shared"
	"github.com/basket/turnfabric/internal/turn"
	"github.com/google/uuid"
)

type phase int

const (
	phaseAccumulating phase = iota
	phaseProcessing
	phaseDone
)

type startOutcome struct {
	turnID  string
	groupID string
	err     error
}

// worker owns one session's turn lifecycle end to end. Exactly one
// worker exists per session key per process; cross-process exclusion is
// the session lock's job.
type worker struct {
	o   *Orchestrator
	key turn.SessionKey

	mu      sync.Mutex
	phase   phase
	turnID  string
	groupID string
	// pending holds messages that arrived after the current turn was
	// created; during accumulation they are absorbed, during processing
	// they are conflict candidates.
	pending []turn.Message
	// queued holds messages deferred by a QUEUE or FORCE_COMPLETE
	// decision; each opens a fresh turn group after commit.
	queued []turn.Message
	notify chan struct{}
}

func newWorker(o *Orchestrator, key turn.SessionKey) *worker {
	return &worker{o: o, key: key, notify: make(chan struct{}, 1)}
}

// deliver hands a message to the running worker. Returns false when the
// worker is already finishing and cannot take it.
func (w *worker) deliver(msg turn.Message) (SubmitResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase == phaseDone {
		return SubmitResult{}, false
	}
	w.pending = append(w.pending, msg)
	select {
	case w.notify <- struct{}{}:
	default:
	}
	disp := DispositionAbsorbed
	if w.phase == phaseProcessing {
		disp = DispositionConflict
	}
	return SubmitResult{TurnID: w.turnID, TurnGroupID: w.groupID, Disposition: disp}, true
}

func (w *worker) setTurn(lt *turn.LogicalTurn, p phase) {
	w.mu.Lock()
	w.phase = p
	w.turnID = lt.ID
	w.groupID = lt.TurnGroupID
	w.mu.Unlock()
}

func (w *worker) setPhase(p phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

func (w *worker) takePending() []turn.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := w.pending
	w.pending = nil
	return msgs
}

func (w *worker) peekPending() (turn.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return turn.Message{}, false
	}
	return w.pending[0], true
}

func (w *worker) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *worker) enqueueForLater(msgs []turn.Message) {
	w.mu.Lock()
	w.queued = append(w.queued, msgs...)
	w.mu.Unlock()
}

// run drives turn lifecycles for this session until no work remains.
// first is the opening message for a fresh session; resume is a
// persisted turn a recovering instance picked up (first is then empty).
func (w *worker) run(first turn.Message, started chan<- startOutcome, resume *turn.LogicalTurn) {
	ctx := w.o.workerContext()
	ctx = shared.WithSessionKey(ctx, w.key.String())

	for {
		if err := w.runTurn(ctx, first, started, resume); err != nil {
			w.o.logger.Error("turn lifecycle failed", "session_key", w.key.String(), "error", err)
		}
		started = nil
		resume = nil

		w.mu.Lock()
		if len(w.queued) == 0 && len(w.pending) == 0 {
			w.phase = phaseDone
			w.mu.Unlock()
			return
		}
		if len(w.queued) > 0 {
			first = w.queued[0]
			w.queued = w.queued[1:]
		} else {
			first = w.pending[0]
			w.pending = w.pending[1:]
		}
		w.phase = phaseAccumulating
		w.mu.Unlock()
	}
}

// runTurn is one full lifecycle: lock, accumulate, process, commit. The
// lease is a plain value threaded through every stage and released only
// here, at the single commit-or-fail point.
func (w *worker) runTurn(ctx context.Context, first turn.Message, started chan<- startOutcome, resume *turn.LogicalTurn) error {
	keyStr := w.key.String()
	lease, err := w.o.locks.Acquire(ctx, keyStr)
	if err != nil {
		if started != nil {
			started <- startOutcome{err: err}
		}
		return err
	}
	defer func() {
		_ = w.o.locks.Release(context.Background(), lease)
	}()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	lost := w.o.locks.Heartbeat(hbCtx, lease, w.o.heartbeat)

	pol := w.o.policies.Get(w.key.Channel)

	var lt *turn.LogicalTurn
	if resume != nil {
		lt = resume
		w.setTurn(lt, phaseProcessing)
	} else {
		lt = &turn.LogicalTurn{
			ID:          uuid.NewString(),
			TurnGroupID: uuid.NewString(),
			SessionKey:  w.key,
			Status:      turn.StatusAccumulating,
			FirstAt:     first.ReceivedAt,
			LastAt:      first.ReceivedAt,
		}
		if err := w.o.store.CreateTurn(ctx, lt, first); err != nil {
			if started != nil {
				started <- startOutcome{err: err}
			}
			return fmt.Errorf("create turn: %w", err)
		}
		lt.MessageIDs = []string{first.ID}
		w.setTurn(lt, phaseAccumulating)
		if started != nil {
			started <- startOutcome{turnID: lt.ID, groupID: lt.TurnGroupID}
		}

		reason, err := w.accumulate(ctx, lt, first, pol, lost)
		if err != nil {
			return err
		}
		if err := w.o.store.TransitionTurn(ctx, lt.ID, turn.StatusProcessing, reason, ""); err != nil {
			return fmt.Errorf("enter processing: %w", err)
		}
		lt.Status = turn.StatusProcessing
		w.setPhase(phaseProcessing)
	}

	ctx = shared.WithTurnID(ctx, lt.ID)
	ctx = shared.WithTurnGroupID(ctx, lt.TurnGroupID)

	for {
		result, finalTurn, beatKey, err := w.process(ctx, lt, pol, lost)
		if err != nil {
			w.failTurn(ctx, finalTurn, beatKey, err)
			return err
		}
		err = w.commit(ctx, finalTurn, result, beatKey, pol)
		if errors.Is(err, errConflictAtCommit) {
			w.releaseBeat(ctx, beatKey)
			lt = finalTurn
			continue
		}
		return err
	}
}

// accumulate waits out the adaptive window, absorbing messages until the
// window expires with no new arrival. The returned reason classifies how
// the window closed.
func (w *worker) accumulate(ctx context.Context, lt *turn.LogicalTurn, last turn.Message, pol policy.ChannelPolicy, lost <-chan struct{}) (turn.CompletionReason, error) {
	keyStr := w.key.String()
	for {
		hint, err := w.o.store.GetAccumulationHint(ctx, keyStr)
		if err != nil {
			w.o.logger.Warn("accumulation hint lookup failed", "session_key", keyStr, "error", err)
		}
		wait := accumulate.SuggestWait(last, pol, len(lt.MessageIDs), hint, w.o.limits)

		timer := time.NewTimer(wait)
		select {
		case <-w.notify:
			timer.Stop()
			for _, msg := range w.takePending() {
				if err := w.o.store.AbsorbMessage(ctx, lt.ID, msg); err != nil {
					w.o.logger.Error("absorb failed", "turn_id", lt.ID, "message_id", msg.ID, "error", err)
					continue
				}
				lt.MessageIDs = append(lt.MessageIDs, msg.ID)
				lt.LastAt = msg.ReceivedAt
				last = msg
			}
		case <-timer.C:
			return accumulate.CompletionReason(last, hint), nil
		case <-lost:
			timer.Stop()
			return turn.CompletionTimeout, turn.ErrLockLost
		case <-ctx.Done():
			timer.Stop()
			return turn.CompletionTimeout, ctx.Err()
		}
	}
}

// process runs the engine over the turn, resolving supersede chains and
// post-engine conflicts until a result survives unchallenged.
func (w *worker) process(ctx context.Context, lt *turn.LogicalTurn, pol policy.ChannelPolicy, lost <-chan struct{}) (*engine.Result, *turn.LogicalTurn, string, error) {
	var beatKey string
	for {
		select {
		case <-lost:
			return nil, lt, beatKey, turn.ErrLockLost
		default:
		}

		msgs, err := w.o.store.TurnMessages(ctx, lt.ID)
		if err != nil {
			return nil, lt, beatKey, fmt.Errorf("load turn messages: %w", err)
		}
		lt.Messages = msgs
		lt.MessageIDs = lt.MessageIDs[:0]
		for _, m := range msgs {
			lt.MessageIDs = append(lt.MessageIDs, m.ID)
		}

		bk, cached, err := w.reserveBeat(ctx, lt)
		if err != nil {
			return nil, lt, beatKey, err
		}
		beatKey = bk
		if cached != "" {
			return &engine.Result{Response: cached}, lt, "", nil
		}

		sig := &processSignals{w: w, lt: lt, pol: pol}
		res, err := w.o.engine.Process(ctx, lt, sig)

		if errors.Is(err, turn.ErrSuperseded) || sig.supersedeRequested() {
			next, serr := w.supersede(ctx, lt, nil)
			if serr != nil {
				return nil, lt, beatKey, serr
			}
			w.releaseBeat(ctx, beatKey)
			lt = next
			continue
		}
		if err != nil {
			return nil, lt, beatKey, fmt.Errorf("engine process: %w", err)
		}

		if msg, ok := w.peekPending(); ok {
			d := w.o.arbiter.Decide(ctx, lt, msg, deciderFor(w.o.engine), pol.SupersedeDefault, false)
			switch d.Action {
			case turn.ActionSupersede:
				next, serr := w.supersede(ctx, lt, neverStages(res))
				if serr != nil {
					return nil, lt, beatKey, serr
				}
				w.releaseBeat(ctx, beatKey)
				lt = next
				continue
			case turn.ActionAbsorb:
				for _, m := range w.takePending() {
					if aerr := w.o.store.AbsorbMessage(ctx, lt.ID, m); aerr != nil {
						w.o.logger.Error("absorb into processing turn failed", "turn_id", lt.ID, "error", aerr)
					}
				}
				w.releaseBeat(ctx, beatKey)
				continue
			case turn.ActionQueue, turn.ActionForceComplete:
				w.enqueueForLater(w.takePending())
			}
		}
		return res, lt, beatKey, nil
	}
}

// reserveBeat claims the beat layer for the turn's current message set.
// This process holds the exclusive session lease, so a leftover PENDING
// reservation can only be a crashed predecessor's; it is released and
// re-claimed rather than waited out.
func (w *worker) reserveBeat(ctx context.Context, lt *turn.LogicalTurn) (key string, cached string, err error) {
	key = ledger.BeatKey(w.key.TenantID, w.key.String(), lt.MessageIDs)
	out, err := w.o.ledger.ReserveBeat(ctx, w.key.TenantID, w.key.String(), lt.MessageIDs)
	if err != nil {
		return key, "", fmt.Errorf("beat reservation: %w", err)
	}
	switch out.State {
	case persistence.ReservationDone:
		return key, out.CachedResult, nil
	case persistence.ReservationInFlight:
		_ = w.o.ledger.ReleaseOnFailure(ctx, persistence.LayerBeat, key)
		out, err = w.o.ledger.ReserveBeat(ctx, w.key.TenantID, w.key.String(), lt.MessageIDs)
		if err != nil {
			return key, "", fmt.Errorf("beat re-reservation: %w", err)
		}
		if out.State == persistence.ReservationDone {
			return key, out.CachedResult, nil
		}
	}
	return key, "", nil
}

func (w *worker) releaseBeat(ctx context.Context, key string) {
	if key == "" {
		return
	}
	_ = w.o.ledger.ReleaseOnFailure(ctx, persistence.LayerBeat, key)
}

// supersede retires the current turn and mints its successor inside the
// same turn group, carrying messages and reusable artifacts across.
func (w *worker) supersede(ctx context.Context, old *turn.LogicalTurn, skipStages []string) (*turn.LogicalTurn, error) {
	if err := w.o.store.TransitionTurn(ctx, old.ID, turn.StatusSuperseded, "", ""); err != nil {
		return nil, fmt.Errorf("retire superseded turn: %w", err)
	}

	msgs, err := w.o.store.TurnMessages(ctx, old.ID)
	if err != nil {
		return nil, fmt.Errorf("load superseded messages: %w", err)
	}
	msgs = append(msgs, w.takePending()...)
	if len(msgs) == 0 {
		return nil, errors.New("supersede with no messages")
	}

	now := time.Now().UTC()
	next := &turn.LogicalTurn{
		ID:             uuid.NewString(),
		TurnGroupID:    old.TurnGroupID,
		SessionKey:     w.key,
		Status:         turn.StatusAccumulating,
		SupersededFrom: old.ID,
		FirstAt:        msgs[0].ReceivedAt,
		LastAt:         now,
	}
	if err := w.o.store.CreateTurn(ctx, next, msgs[0]); err != nil {
		return nil, fmt.Errorf("create successor turn: %w", err)
	}
	for _, m := range msgs[1:] {
		if err := w.o.store.AbsorbMessage(ctx, next.ID, m); err != nil {
			return nil, fmt.Errorf("carry message to successor: %w", err)
		}
	}
	if err := w.o.store.LinkSupersede(ctx, old.ID, next.ID); err != nil {
		return nil, fmt.Errorf("link supersede chain: %w", err)
	}
	if _, err := w.o.artifacts.CopyForSupersede(ctx, old.ID, next.ID, skipStages); err != nil {
		w.o.logger.Warn("artifact carry-over failed, successor recomputes", "from", old.ID, "to", next.ID, "error", err)
	}
	if err := w.o.store.TransitionTurn(ctx, next.ID, turn.StatusProcessing, turn.CompletionExplicit, ""); err != nil {
		return nil, fmt.Errorf("successor enter processing: %w", err)
	}
	next.Status = turn.StatusProcessing
	w.setTurn(next, phaseProcessing)

	w.o.logger.Info("turn superseded",
		"old_turn_id", old.ID, "new_turn_id", next.ID, "turn_group_id", old.TurnGroupID)
	return next, nil
}

// errConflictAtCommit signals that a conflicting message arrived before
// the commit point was recorded and the arbiter reopened processing.
var errConflictAtCommit = errors.New("conflicting message at commit point")

// commit is the single commit point: side effects, hint, terminal
// transition, response. Side effects are gated by the side-effect
// idempotency layer so a retry or supersede successor never re-executes
// one that already ran in this turn group.
func (w *worker) commit(ctx context.Context, lt *turn.LogicalTurn, res *engine.Result, beatKey string, pol policy.ChannelPolicy) error {
	keyStr := w.key.String()

	// A message landing between the post-engine conflict check and here
	// still gets an arbiter decision before the commit point is recorded.
	// SUPERSEDE and ABSORB reopen processing; QUEUE and FORCE_COMPLETE
	// defer the message past this commit.
	if msg, ok := w.peekPending(); ok {
		d := w.o.arbiter.Decide(ctx, lt, msg, deciderFor(w.o.engine), pol.SupersedeDefault, false)
		switch d.Action {
		case turn.ActionAbsorb:
			for _, m := range w.takePending() {
				if aerr := w.o.store.AbsorbMessage(ctx, lt.ID, m); aerr != nil {
					w.o.logger.Error("absorb at commit point failed", "turn_id", lt.ID, "message_id", m.ID, "error", aerr)
				}
			}
			return errConflictAtCommit
		case turn.ActionSupersede:
			return errConflictAtCommit
		default:
			w.enqueueForLater(w.takePending())
		}
	}

	if err := w.o.store.AppendFabricEvent(ctx, bus.FabricEvent{
		Type:          bus.TopicCommitPointReached,
		LogicalTurnID: lt.ID,
		SessionKey:    keyStr,
		Payload:       map[string]any{"turn_group_id": lt.TurnGroupID},
	}); err != nil {
		return fmt.Errorf("record commit point: %w", err)
	}

	for _, m := range res.StagedMutations {
		if err := w.executeMutation(ctx, lt, m); err != nil {
			w.o.logger.Error("staged mutation failed",
				"turn_id", lt.ID, "operation", m.Operation, "business_key", m.BusinessKey, "error", err)
		}
	}

	if res.AccumulationHint != nil {
		if err := w.o.store.SetAccumulationHint(ctx, keyStr, *res.AccumulationHint); err != nil {
			w.o.logger.Warn("persist accumulation hint failed", "session_key", keyStr, "error", err)
		}
	}

	if err := w.o.store.TransitionTurn(ctx, lt.ID, turn.StatusComplete, "", res.Response); err != nil {
		return fmt.Errorf("complete turn: %w", err)
	}
	lt.Status = turn.StatusComplete
	lt.Response = res.Response

	if beatKey != "" {
		if err := w.o.ledger.Complete(ctx, persistence.LayerBeat, beatKey, res.Response); err != nil {
			w.o.logger.Warn("beat completion failed, key expires by TTL", "error", err)
		}
	}
	return nil
}

func (w *worker) executeMutation(ctx context.Context, lt *turn.LogicalTurn, m engine.StagedMutation) error {
	key := ledger.SideEffectKey(m.Operation, m.BusinessKey, lt.TurnGroupID)
	out, err := w.o.ledger.ReserveSideEffect(ctx, m.Operation, m.BusinessKey, lt.TurnGroupID, mutationFingerprint(m))
	if err != nil {
		return err
	}
	switch out.State {
	case persistence.ReservationDone:
		w.o.logger.Info("side effect already executed in turn group, skipping",
			"operation", m.Operation, "business_key", m.BusinessKey, "turn_group_id", lt.TurnGroupID)
		return nil
	case persistence.ReservationInFlight:
		return fmt.Errorf("side effect %s in flight elsewhere", key)
	}

	if err := w.o.store.AppendFabricEvent(ctx, bus.FabricEvent{
		Type:          bus.TopicSideEffectAuthorized,
		LogicalTurnID: lt.ID,
		SessionKey:    w.key.String(),
		Payload: map[string]any{
			"operation":    m.Operation,
			"business_key": m.BusinessKey,
			"policy":       string(m.Policy),
		},
	}); err != nil {
		return err
	}

	rec := turn.SideEffectRecord{
		Operation:   m.Operation,
		BusinessKey: m.BusinessKey,
		Policy:      m.Policy,
		ExecutedAt:  time.Now().UTC(),
		Result:      m.Payload,
	}
	if err := w.o.store.RecordSideEffect(ctx, lt.ID, rec); err != nil {
		_ = w.o.ledger.ReleaseOnFailure(ctx, persistence.LayerSideEffect, key)
		return fmt.Errorf("record side effect: %w", err)
	}
	audit.RecordSideEffect(lt.ID, lt.TurnGroupID, w.key.String(), m.Operation, m.BusinessKey)
	return w.o.ledger.Complete(ctx, persistence.LayerSideEffect, key, m.Payload)
}

// failTurn retires a turn whose processing failed. The beat reservation
// is released so a legitimate retry can claim it.
func (w *worker) failTurn(ctx context.Context, lt *turn.LogicalTurn, beatKey string, cause error) {
	w.releaseBeat(ctx, beatKey)
	if aerr := w.o.store.AppendFabricEvent(ctx, bus.FabricEvent{
		Type:          bus.TopicTurnFailed,
		LogicalTurnID: lt.ID,
		SessionKey:    w.key.String(),
		Payload:       map[string]any{"error": cause.Error()},
	}); aerr != nil {
		w.o.logger.Error("record turn failure", "turn_id", lt.ID, "error", aerr)
	}
	if lt.Status.Terminal() {
		return
	}
	if err := w.o.store.TransitionTurn(ctx, lt.ID, turn.StatusComplete, "", ""); err != nil {
		w.o.logger.Error("retire failed turn", "turn_id", lt.ID, "error", err)
	}
}

// processSignals is the callback surface handed to the engine for one
// processing attempt.
type processSignals struct {
	w   *worker
	lt  *turn.LogicalTurn
	pol policy.ChannelPolicy

	mu       sync.Mutex
	decision *turn.SupersedeDecision
}

func (s *processSignals) HasPendingConflictingMessage() bool {
	return s.w.pendingCount() > 0
}

func (s *processSignals) RequestSupersedeDecision(ctx context.Context, candidate turn.Message) (turn.SupersedeDecision, error) {
	if candidate.ID == "" {
		if msg, ok := s.w.peekPending(); ok {
			candidate = msg
		}
	}
	d := s.w.o.arbiter.Decide(ctx, s.lt, candidate, deciderFor(s.w.o.engine), s.pol.SupersedeDefault, false)

	s.mu.Lock()
	s.decision = &d
	s.mu.Unlock()

	switch d.Action {
	case turn.ActionAbsorb:
		for _, m := range s.w.takePending() {
			if err := s.w.o.store.AbsorbMessage(ctx, s.lt.ID, m); err != nil {
				return d, fmt.Errorf("absorb during processing: %w", err)
			}
		}
	case turn.ActionQueue, turn.ActionForceComplete:
		s.w.enqueueForLater(s.w.takePending())
	}
	return d, nil
}

func (s *processSignals) supersedeRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision != nil && s.decision.Action == turn.ActionSupersede
}

// deciderFor exposes the engine's decision endpoint to the arbiter when
// the engine implements one.
func deciderFor(e engine.Engine) arbiter.Decider {
	if d, ok := e.(arbiter.Decider); ok {
		return d
	}
	return nil
}

// neverStages extracts the stages a result declared NEVER, which must
// not travel across a supersede.
func neverStages(res *engine.Result) []string {
	if res == nil {
		return nil
	}
	var out []string
	for stage, pol := range res.ReuseDeclarations {
		if pol == turn.ReuseNever {
			out = append(out, stage)
		}
	}
	return out
}

func mutationFingerprint(m engine.StagedMutation) string {
	sum := sha256.Sum256([]byte(m.Operation + "\x00" + m.BusinessKey + "\x00" + m.Payload))
	return hex.EncodeToString(sum[:])
}
