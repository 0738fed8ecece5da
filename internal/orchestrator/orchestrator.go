// Package orchestrator is the composition root of the fabric. One worker
// per active session key drives the full turn lifecycle: lock
// acquisition, adaptive accumulation, delegated processing, supersede
// resolution, and the single atomic commit. Every state transition is
// persisted before it takes effect in memory, so a recovering instance
// can resume a turn exactly where the crashed one left it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/turnfabric/internal/accumulate"
	"github.com/basket/turnfabric/internal/arbiter"
	"github.com/basket/turnfabric/internal/artifact"
	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/engine"
	"github.com/basket/turnfabric/internal/ledger"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/policy"
	"github.com/basket/turnfabric/internal/session"
	"github.com/basket/turnfabric/internal/shared"
	"github.com/basket/turnfabric/internal/turn"
	"github.com/google/uuid"
)

// Disposition tells the submitter what happened to their message.
type Disposition string

const (
	// DispositionStarted: the message opened a new logical turn.
	DispositionStarted Disposition = "started"
	// DispositionAbsorbed: the message joined the accumulating turn.
	DispositionAbsorbed Disposition = "absorbed"
	// DispositionConflict: the message arrived mid-processing and is
	// awaiting a supersede decision.
	DispositionConflict Disposition = "conflict_pending"
)

// SubmitResult is the synchronous answer to a message submission.
type SubmitResult struct {
	TurnID      string
	TurnGroupID string
	Disposition Disposition
}

type Config struct {
	Store     *persistence.Store
	Locks     *session.Lock
	Ledger    *ledger.Ledger
	Artifacts *artifact.Cache
	Arbiter   *arbiter.Arbiter
	Engine    engine.Engine
	Policies  *policy.Registry
	Bus       *bus.Bus
	Logger    *slog.Logger

	AccumulateLimits accumulate.Limits
	LockHeartbeat    time.Duration
}

// Orchestrator routes inbound messages to per-session workers and owns
// crash recovery at startup.
type Orchestrator struct {
	store     *persistence.Store
	locks     *session.Lock
	ledger    *ledger.Ledger
	artifacts *artifact.Cache
	arbiter   *arbiter.Arbiter
	engine    engine.Engine
	policies  *policy.Registry
	bus       *bus.Bus
	logger    *slog.Logger

	limits    accumulate.Limits
	heartbeat time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
	closed  bool
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hb := cfg.LockHeartbeat
	if hb <= 0 {
		hb = 10 * time.Second
	}
	limits := cfg.AccumulateLimits
	if limits.Min <= 0 {
		limits.Min = 200 * time.Millisecond
	}
	if limits.Max <= 0 {
		limits.Max = 8 * time.Second
	}
	return &Orchestrator{
		store:     cfg.Store,
		locks:     cfg.Locks,
		ledger:    cfg.Ledger,
		artifacts: cfg.Artifacts,
		arbiter:   cfg.Arbiter,
		engine:    cfg.Engine,
		policies:  cfg.Policies,
		bus:       cfg.Bus,
		logger:    logger.With("component", "orchestrator"),
		limits:    limits,
		heartbeat: hb,
		workers:   make(map[string]*worker),
	}
}

// Submit routes one inbound message. A message for an idle session opens
// a new turn and blocks until the session lock is acquired and the turn
// row exists (or lock acquisition times out). A message for a busy
// session is handed to that session's worker.
func (o *Orchestrator) Submit(ctx context.Context, msg turn.Message) (SubmitResult, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	key := msg.SessionKey.String()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return SubmitResult{}, errors.New("orchestrator shutting down")
	}
	if w, ok := o.workers[key]; ok {
		res, delivered := w.deliver(msg)
		o.mu.Unlock()
		if delivered {
			return res, nil
		}
		// Worker was finishing; fall through to start a fresh one.
		o.mu.Lock()
	}
	w := newWorker(o, msg.SessionKey)
	o.workers[key] = w
	o.wg.Add(1)
	o.mu.Unlock()

	started := make(chan startOutcome, 1)
	go func() {
		defer o.wg.Done()
		defer o.removeWorker(key, w)
		w.run(msg, started, nil)
	}()

	select {
	case out := <-started:
		if out.err != nil {
			return SubmitResult{}, out.err
		}
		return SubmitResult{TurnID: out.turnID, TurnGroupID: out.groupID, Disposition: DispositionStarted}, nil
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

// Recover resumes turns stranded by a crash. Turns persisted as
// PROCESSING re-enter processing from the stored message set; turns
// still ACCUMULATING are closed out (their accumulation window is long
// gone) and processed. Accumulation is never re-run.
func (o *Orchestrator) Recover(ctx context.Context) error {
	processing, err := o.store.ListProcessingTurns(ctx)
	if err != nil {
		return fmt.Errorf("list processing turns: %w", err)
	}
	accumulating, err := o.store.ListAccumulatingTurns(ctx)
	if err != nil {
		return fmt.Errorf("list accumulating turns: %w", err)
	}

	for _, lt := range accumulating {
		if err := o.store.TransitionTurn(ctx, lt.ID, turn.StatusProcessing, turn.CompletionTimeout, ""); err != nil {
			o.logger.Error("recovery: close stranded accumulating turn", "turn_id", lt.ID, "error", err)
			continue
		}
		lt.Status = turn.StatusProcessing
		processing = append(processing, lt)
	}

	for _, lt := range processing {
		o.resumeTurn(lt)
	}
	if len(processing) > 0 {
		o.logger.Info("recovery resumed stranded turns", "count", len(processing))
	}
	return nil
}

func (o *Orchestrator) resumeTurn(lt *turn.LogicalTurn) {
	key := lt.SessionKey.String()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if _, ok := o.workers[key]; ok {
		o.mu.Unlock()
		return
	}
	w := newWorker(o, lt.SessionKey)
	o.workers[key] = w
	o.wg.Add(1)
	o.mu.Unlock()

	o.bus.Publish(bus.FabricEvent{
		Type:          bus.TopicRecoveryResumed,
		LogicalTurnID: lt.ID,
		SessionKey:    key,
		Payload:       map[string]any{"status": string(lt.Status)},
	})

	go func() {
		defer o.wg.Done()
		defer o.removeWorker(key, w)
		w.run(turn.Message{}, nil, lt)
	}()
}

// ActiveSessions reports the number of sessions with a live worker.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// Shutdown stops accepting messages and waits for in-flight turns to
// reach their commit point.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) removeWorker(key string, w *worker) {
	o.mu.Lock()
	if o.workers[key] == w {
		delete(o.workers, key)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) workerContext() context.Context {
	ctx := context.Background()
	return shared.WithTraceID(ctx, shared.NewTraceID())
}
