package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/turn"
)

// RecordSideEffect appends an executed effect to the turn. IRREVERSIBLE
// effects also stamp the turn's irreversible marker in the same
// transaction, so the absorb/supersede checks and the record can never
// disagree.
func (s *Store) RecordSideEffect(ctx context.Context, turnID string, rec turn.SideEffectRecord) error {
	var sessionKey string
	executedAt := rec.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin side effect tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT session_key FROM logical_turns WHERE id = ?;
		`, turnID).Scan(&sessionKey); err != nil {
			return fmt.Errorf("read turn for side effect: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO side_effects (turn_id, operation, business_key, policy, result, executed_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, turnID, rec.Operation, rec.BusinessKey, rec.Policy, rec.Result, executedAt.UTC()); err != nil {
			return fmt.Errorf("insert side effect: %w", err)
		}

		if rec.Policy == turn.EffectIrreversible {
			if _, err := tx.ExecContext(ctx, `
				UPDATE logical_turns
				SET irreversible_effect_at = COALESCE(irreversible_effect_at, ?),
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, executedAt.UTC(), turnID); err != nil {
				return fmt.Errorf("stamp irreversible effect: %w", err)
			}
		}

		if err := s.appendFabricEventTx(ctx, tx, bus.FabricEvent{
			Type:          bus.TopicSideEffectExecuted,
			LogicalTurnID: turnID,
			SessionKey:    sessionKey,
			Payload: map[string]any{
				"operation":    rec.Operation,
				"business_key": rec.BusinessKey,
				"policy":       string(rec.Policy),
			},
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.FabricEvent{
			Type:          bus.TopicSideEffectExecuted,
			LogicalTurnID: turnID,
			SessionKey:    sessionKey,
			Payload: map[string]any{
				"operation":    rec.Operation,
				"business_key": rec.BusinessKey,
				"policy":       string(rec.Policy),
			},
		})
	}
	return nil
}

// ListSideEffects returns a turn's recorded effects in execution order.
func (s *Store) ListSideEffects(ctx context.Context, turnID string) ([]turn.SideEffectRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, business_key, policy, result, executed_at
		FROM side_effects WHERE turn_id = ? ORDER BY id ASC;
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list side effects: %w", err)
	}
	defer rows.Close()

	var recs []turn.SideEffectRecord
	for rows.Next() {
		var rec turn.SideEffectRecord
		var policy string
		if err := rows.Scan(&rec.Operation, &rec.BusinessKey, &policy, &rec.Result, &rec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan side effect: %w", err)
		}
		rec.Policy = turn.SideEffectPolicy(policy)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// HasIrreversibleEffect reports whether the turn recorded any
// IRREVERSIBLE effect.
func (s *Store) HasIrreversibleEffect(ctx context.Context, turnID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM side_effects WHERE turn_id = ? AND policy = ?;
	`, turnID, turn.EffectIrreversible).Scan(&n); err != nil {
		return false, fmt.Errorf("check irreversible effect: %w", err)
	}
	return n > 0, nil
}
