// Package ledger is the three-layer idempotency surface: request, beat,
// and side-effect deduplication, each with its own key scheme and TTL.
// The layers are deliberately separate stores of truth, not one cache
// with three prefixes; their lifetimes and conflict semantics differ.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/turn"
	"github.com/cenkalti/backoff/v5"
)

// Outcome is the caller-facing result of a reservation attempt.
type Outcome struct {
	State persistence.ReservationState
	// CachedResult is populated when State is DONE.
	CachedResult string
}

// Config carries the per-layer TTLs and the degraded-mode stance.
type Config struct {
	Store         *persistence.Store
	Logger        *slog.Logger
	RequestTTL    time.Duration
	BeatTTL       time.Duration
	SideEffectTTL time.Duration
	// FailOpen selects behavior when storage is unavailable: true lets
	// the operation proceed without dedup protection, false refuses it.
	FailOpen bool
}

// Ledger wraps the durable idempotency store with key construction,
// transient-failure retry, and degraded-mode policy.
type Ledger struct {
	store         *persistence.Store
	logger        *slog.Logger
	requestTTL    time.Duration
	beatTTL       time.Duration
	sideEffectTTL time.Duration
	failOpen      bool
}

func New(cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:         cfg.Store,
		logger:        logger.With("component", "idempotency_ledger"),
		requestTTL:    cfg.RequestTTL,
		beatTTL:       cfg.BeatTTL,
		sideEffectTTL: cfg.SideEffectTTL,
		failOpen:      cfg.FailOpen,
	}
	if l.requestTTL <= 0 {
		l.requestTTL = 5 * time.Minute
	}
	if l.beatTTL <= 0 {
		l.beatTTL = 30 * time.Second
	}
	if l.sideEffectTTL <= 0 {
		l.sideEffectTTL = 24 * time.Hour
	}
	return l
}

// RequestKey builds the request-layer key from the tenant and the
// client-supplied (or derived) idempotency key.
func RequestKey(tenantID, clientKey string) string {
	return tenantID + ":" + clientKey
}

// BeatKey builds the beat-layer key from the session and the sorted
// message-id set, so the same accumulated turn always maps to one key
// regardless of arrival interleaving.
func BeatKey(tenantID, sessionKey string, messageIDs []string) string {
	ids := make([]string, len(messageIDs))
	copy(ids, messageIDs)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return tenantID + ":beat:" + sessionKey + ":" + hex.EncodeToString(sum[:])
}

// SideEffectKey builds the side-effect-layer key. It is scoped by
// turn_group_id so every turn in one supersede chain shares the key; a
// QUEUE'd fresh attempt gets a new group and therefore a new key.
func SideEffectKey(operation, businessKey, turnGroupID string) string {
	return operation + ":" + businessKey + ":turn_group:" + turnGroupID
}

// ReserveRequest claims the request layer. DONE returns the cached
// response verbatim; CONFLICT maps to turn.ErrIdempotencyConflict.
func (l *Ledger) ReserveRequest(ctx context.Context, tenantID, clientKey, fingerprint string) (Outcome, error) {
	return l.reserve(ctx, persistence.LayerRequest, RequestKey(tenantID, clientKey), fingerprint, l.requestTTL)
}

// ReserveBeat claims the beat layer for one accumulated turn.
func (l *Ledger) ReserveBeat(ctx context.Context, tenantID, sessionKey string, messageIDs []string) (Outcome, error) {
	key := BeatKey(tenantID, sessionKey, messageIDs)
	return l.reserve(ctx, persistence.LayerBeat, key, key, l.beatTTL)
}

// ReserveSideEffect claims the side-effect layer for one real-world
// operation within a supersede chain.
func (l *Ledger) ReserveSideEffect(ctx context.Context, operation, businessKey, turnGroupID, fingerprint string) (Outcome, error) {
	return l.reserve(ctx, persistence.LayerSideEffect, SideEffectKey(operation, businessKey, turnGroupID), fingerprint, l.sideEffectTTL)
}

// Complete marks a reservation DONE with its result. DONE is permanent
// for the key's lifetime.
func (l *Ledger) Complete(ctx context.Context, layer, key, result string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, l.store.CompleteReservation(ctx, layer, key, result)
	})
	return err
}

// ReleaseOnFailure frees a PENDING key after a transient failure so a
// legitimate retry can reserve it again.
func (l *Ledger) ReleaseOnFailure(ctx context.Context, layer, key string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, l.store.ReleaseReservation(ctx, layer, key)
	})
	if err != nil {
		l.logger.Warn("idempotency release failed, key will expire by TTL", "layer", layer, "key", key, "error", err)
	}
	return err
}

func (l *Ledger) reserve(ctx context.Context, layer, key, fingerprint string, ttl time.Duration) (Outcome, error) {
	res, err := withRetry(ctx, func() (persistence.Reservation, error) {
		return l.store.CheckAndReserve(ctx, layer, key, fingerprint, ttl)
	})
	if err != nil {
		if l.failOpen {
			l.logger.Error("idempotency storage unavailable, failing open", "layer", layer, "key", key, "error", err)
			return Outcome{State: persistence.ReservationFresh}, nil
		}
		return Outcome{}, fmt.Errorf("%w: %v", turn.ErrStorageUnavailable, err)
	}
	if res.State == persistence.ReservationConflict {
		return Outcome{State: res.State}, fmt.Errorf("%w: layer %s key %s", turn.ErrIdempotencyConflict, layer, key)
	}
	return Outcome{State: res.State, CachedResult: res.Payload}, nil
}

// withRetry retries transient storage errors with capped exponential
// backoff. Context cancellation and logical errors are permanent.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(3*time.Second))
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Reservation-flow errors carry their meaning in the state, not the
	// error; anything else from the driver is assumed transient.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "disk I/O error")
}
