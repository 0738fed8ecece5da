// Package session provides the distributed mutual-exclusion primitive
// keyed by conversation identity. Ownership is lease-based: the holder
// token is a plain value threaded through processing, re-validated at
// the store on every extend, and released explicitly at the single
// commit-or-fail point. Nothing here auto-releases on suspension.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/turn"
)

const defaultPollInterval = 50 * time.Millisecond

// Lock acquires and manages session leases against the persistence store.
type Lock struct {
	store        *persistence.Store
	logger       *slog.Logger
	leaseTTL     time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
}

// Config holds the dependencies and tunables for the lock.
type Config struct {
	Store       *persistence.Store
	Logger      *slog.Logger
	LeaseTTL    time.Duration
	WaitTimeout time.Duration
	// PollInterval is the retry cadence while waiting; defaults to 50ms.
	PollInterval time.Duration
}

func New(cfg Config) *Lock {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Lock{
		store:        cfg.Store,
		logger:       logger.With("component", "session_lock"),
		leaseTTL:     cfg.LeaseTTL,
		waitTimeout:  cfg.WaitTimeout,
		pollInterval: poll,
	}
}

// Acquire blocks up to the configured wait timeout for an exclusive
// lease on sessionKey. On timeout it returns turn.ErrLockTimeout; the
// caller decides retry, queue, or reject.
func (l *Lock) Acquire(ctx context.Context, sessionKey string) (*persistence.LockLease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.waitTimeout)

	for {
		lease, err := l.store.TryAcquireLock(ctx, sessionKey, token, l.leaseTTL)
		if err == nil {
			_ = l.store.AppendFabricEvent(ctx, bus.FabricEvent{
				Type:       bus.TopicLockAcquired,
				SessionKey: sessionKey,
				Payload:    map[string]any{"holder_token": lease.HolderToken},
			})
			return lease, nil
		}
		if !errors.Is(err, persistence.ErrLockHeld) {
			return nil, fmt.Errorf("acquire lock %s: %w", sessionKey, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s after %s: %w", sessionKey, l.waitTimeout, turn.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Extend pushes the lease forward. Returns turn.ErrLockLost when the
// holder no longer owns the key: the current attempt must stop and
// recovery restarts from durable state.
func (l *Lock) Extend(ctx context.Context, lease *persistence.LockLease) error {
	ok, err := l.store.ExtendLock(ctx, lease.SessionKey, lease.HolderToken, l.leaseTTL)
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", lease.SessionKey, err)
	}
	if !ok {
		return fmt.Errorf("lease %s: %w", lease.SessionKey, turn.ErrLockLost)
	}
	return nil
}

// Release drops the lease. Idempotent: releasing an expired or already
// released lease is a no-op.
func (l *Lock) Release(ctx context.Context, lease *persistence.LockLease) error {
	if err := l.store.ReleaseLock(ctx, lease.SessionKey, lease.HolderToken); err != nil {
		return fmt.Errorf("release lock %s: %w", lease.SessionKey, err)
	}
	_ = l.store.AppendFabricEvent(ctx, bus.FabricEvent{
		Type:       bus.TopicLockReleased,
		SessionKey: lease.SessionKey,
		Payload:    map[string]any{"holder_token": lease.HolderToken},
	})
	return nil
}

// ForceRelease removes any lease on the key regardless of holder.
// Operator and crash-recovery use only.
func (l *Lock) ForceRelease(ctx context.Context, sessionKey string) error {
	l.logger.Warn("force releasing session lock", "session_key", sessionKey)
	return l.store.ForceReleaseLock(ctx, sessionKey)
}

// Heartbeat extends the lease on a fixed interval until ctx is
// cancelled. The first failed extension closes the returned channel:
// the lease is lost and the holder must abandon the attempt.
func (l *Lock) Heartbeat(ctx context.Context, lease *persistence.LockLease, interval time.Duration) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Extend(ctx, lease); err != nil {
					if ctx.Err() != nil {
						return
					}
					l.logger.Warn("lease heartbeat failed",
						"session_key", lease.SessionKey, "error", err)
					close(lost)
					return
				}
			}
		}
	}()
	return lost
}
