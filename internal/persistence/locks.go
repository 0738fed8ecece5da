package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned by TryAcquireLock when a live lease exists for
// the session key. Callers poll up to their wait timeout.
var ErrLockHeld = errors.New("session lock held")

// LockLease is the plain-value lease: the holder token is the only proof
// of ownership, threaded explicitly through every processing stage and
// re-validated against this table at each use. No component ever holds a
// live "lock object".
type LockLease struct {
	SessionKey  string
	HolderToken string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// TryAcquireLock attempts a single atomic acquisition. Expired leases are
// taken over in the same transaction; a live lease yields ErrLockHeld.
func (s *Store) TryAcquireLock(ctx context.Context, sessionKey, holderToken string, ttl time.Duration) (*LockLease, error) {
	var lease *LockLease
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin acquire tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()

		// Expired leases are dead holders; taking them over is the
		// crash-safety net.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM session_locks WHERE session_key = ? AND expires_at <= ?;
		`, sessionKey, now); err != nil {
			return fmt.Errorf("sweep expired lease: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO session_locks (session_key, holder_token, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_key) DO NOTHING;
		`, sessionKey, holderToken, now, now.Add(ttl))
		if err != nil {
			return fmt.Errorf("insert lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lease rows affected: %w", err)
		}
		if n == 0 {
			_ = tx.Rollback()
			return ErrLockHeld
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit acquire tx: %w", err)
		}
		lease = &LockLease{
			SessionKey:  sessionKey,
			HolderToken: holderToken,
			AcquiredAt:  now,
			ExpiresAt:   now.Add(ttl),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ExtendLock pushes the lease expiry forward. Returns false when the
// lease is no longer owned by holderToken (expired and taken, or
// force-released): the caller has lost the lock.
func (s *Store) ExtendLock(ctx context.Context, sessionKey, holderToken string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	var extended bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE session_locks
			SET expires_at = ?
			WHERE session_key = ? AND holder_token = ? AND expires_at > ?;
		`, now.Add(ttl), sessionKey, holderToken, now)
		if err != nil {
			return fmt.Errorf("extend lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		extended = n == 1
		return nil
	})
	return extended, err
}

// ReleaseLock removes the lease if still owned by holderToken. Releasing
// an expired or already-released lease is a no-op, not an error.
func (s *Store) ReleaseLock(ctx context.Context, sessionKey, holderToken string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM session_locks WHERE session_key = ? AND holder_token = ?;
		`, sessionKey, holderToken); err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		return nil
	})
}

// ForceReleaseLock removes any lease for the key regardless of holder.
// Operator/crash-recovery use only.
func (s *Store) ForceReleaseLock(ctx context.Context, sessionKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM session_locks WHERE session_key = ?;
		`, sessionKey); err != nil {
			return fmt.Errorf("force release lease: %w", err)
		}
		return nil
	})
}

// LockHolder returns the current holder token for the key, or "" when no
// live lease exists.
func (s *Store) LockHolder(ctx context.Context, sessionKey string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `
		SELECT holder_token FROM session_locks
		WHERE session_key = ? AND expires_at > ?;
	`, sessionKey, time.Now().UTC()).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock holder: %w", err)
	}
	return token, nil
}

// SweepExpiredLocks deletes all expired leases and returns how many were
// removed. Normally acquisition takes expired leases over in place; the
// sweep keeps the table clean for sessions nobody is contending for.
func (s *Store) SweepExpiredLocks(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM session_locks WHERE expires_at <= ?;
		`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("sweep expired locks: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ActiveLockCount returns the number of live leases.
func (s *Store) ActiveLockCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM session_locks WHERE expires_at > ?;
	`, time.Now().UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active locks: %w", err)
	}
	return count, nil
}
