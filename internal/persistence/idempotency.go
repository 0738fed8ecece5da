package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Idempotency layer names. Each layer is an independent key namespace
// with its own TTL; they are three separate defenses, not one cache.
const (
	LayerRequest    = "request"
	LayerBeat       = "beat"
	LayerSideEffect = "side_effect"
)

// ReservationState is the outcome of a CheckAndReserve call.
type ReservationState string

const (
	// ReservationFresh: the key was free and is now reserved PENDING by
	// this caller. Proceed, then Complete or ReleaseOnFailure.
	ReservationFresh ReservationState = "FRESH"
	// ReservationInFlight: another holder reserved the same key with the
	// same fingerprint and has not completed.
	ReservationInFlight ReservationState = "IN_FLIGHT"
	// ReservationDone: the operation already completed; Payload holds
	// the cached result.
	ReservationDone ReservationState = "DONE"
	// ReservationConflict: the key exists with a different fingerprint.
	ReservationConflict ReservationState = "CONFLICT"
)

// Reservation is the result of an atomic check-and-reserve.
type Reservation struct {
	State   ReservationState
	Payload string
}

// CheckAndReserve atomically claims (layer, key) for the given
// fingerprint. The insert-or-inspect runs in one transaction so two
// concurrent callers can never both observe FRESH.
func (s *Store) CheckAndReserve(ctx context.Context, layer, key, fingerprint string, ttl time.Duration) (Reservation, error) {
	var out Reservation
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reserve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()

		// Expired entries are dead reservations; clear before claiming.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM idempotency_entries
			WHERE layer = ? AND key = ? AND expires_at <= ?;
		`, layer, key, now); err != nil {
			return fmt.Errorf("sweep expired entry: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_entries (layer, key, fingerprint, status, expires_at)
			VALUES (?, ?, ?, 'PENDING', ?)
			ON CONFLICT(layer, key) DO NOTHING;
		`, layer, key, fingerprint, now.Add(ttl))
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			out = Reservation{State: ReservationFresh}
			return tx.Commit()
		}

		var existingFingerprint, status, payload string
		if err := tx.QueryRowContext(ctx, `
			SELECT fingerprint, status, payload FROM idempotency_entries
			WHERE layer = ? AND key = ?;
		`, layer, key).Scan(&existingFingerprint, &status, &payload); err != nil {
			return fmt.Errorf("read existing entry: %w", err)
		}
		switch {
		case existingFingerprint != fingerprint:
			out = Reservation{State: ReservationConflict}
		case status == "DONE":
			out = Reservation{State: ReservationDone, Payload: payload}
		default:
			out = Reservation{State: ReservationInFlight}
		}
		return tx.Commit()
	})
	return out, err
}

// CompleteReservation marks the entry DONE and stores the result payload
// for replay to duplicates. DONE is permanent until TTL expiry.
func (s *Store) CompleteReservation(ctx context.Context, layer, key, payload string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE idempotency_entries
			SET status = 'DONE', payload = ?
			WHERE layer = ? AND key = ? AND status = 'PENDING';
		`, payload, layer, key)
		if err != nil {
			return fmt.Errorf("complete reservation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("reservation %s/%s not pending", layer, key)
		}
		return nil
	})
}

// ReleaseReservation frees a PENDING key after a transient failure so a
// legitimate retry can reserve it again. Completed (DONE) entries are
// never released this way.
func (s *Store) ReleaseReservation(ctx context.Context, layer, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency_entries
			WHERE layer = ? AND key = ? AND status = 'PENDING';
		`, layer, key); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		return nil
	})
}

// GetReservation reads an entry without reserving. Used by tests and the
// status command.
func (s *Store) GetReservation(ctx context.Context, layer, key string) (*Reservation, error) {
	var status, payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT status, payload FROM idempotency_entries
		WHERE layer = ? AND key = ? AND expires_at > ?;
	`, layer, key, time.Now().UTC()).Scan(&status, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	state := ReservationInFlight
	if status == "DONE" {
		state = ReservationDone
	}
	return &Reservation{State: state, Payload: payload}, nil
}

// PurgeExpiredIdempotency removes expired entries across all layers.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency_entries WHERE expires_at <= ?;
		`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("purge idempotency: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// IdempotencyCounts returns per-layer entry counts for the status command.
func (s *Store) IdempotencyCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT layer, COUNT(1) FROM idempotency_entries GROUP BY layer;
	`)
	if err != nil {
		return nil, fmt.Errorf("count idempotency entries: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var layer string
		var n int
		if err := rows.Scan(&layer, &n); err != nil {
			return nil, err
		}
		counts[layer] = n
	}
	return counts, rows.Err()
}
