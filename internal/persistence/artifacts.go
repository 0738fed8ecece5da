package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/turnfabric/internal/turn"
)

// GetArtifact returns the cached artifact for (turnID, stageID), or nil
// when absent or past its TTL.
func (s *Store) GetArtifact(ctx context.Context, turnID, stageID string) (*turn.Artifact, error) {
	var a turn.Artifact
	err := s.db.QueryRowContext(ctx, `
		SELECT stage_id, payload, input_fingerprint, dependency_fingerprint,
			reuse_count, created_at
		FROM artifacts
		WHERE turn_id = ? AND stage_id = ? AND expires_at > ?;
	`, turnID, stageID, time.Now().UTC()).
		Scan(&a.StageID, &a.Payload, &a.InputFingerprint, &a.DependencyFingerprint,
			&a.ReuseCount, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// PutArtifact upserts a stage output. A re-run of the same stage in the
// same turn replaces the prior artifact (its inputs changed or the stage
// was recomputed).
func (s *Store) PutArtifact(ctx context.Context, turnID string, a turn.Artifact, ttl time.Duration) error {
	now := time.Now().UTC()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO artifacts
				(turn_id, stage_id, payload, input_fingerprint, dependency_fingerprint, reuse_count, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(turn_id, stage_id) DO UPDATE SET
				payload = excluded.payload,
				input_fingerprint = excluded.input_fingerprint,
				dependency_fingerprint = excluded.dependency_fingerprint,
				reuse_count = excluded.reuse_count,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at;
		`, turnID, a.StageID, a.Payload, a.InputFingerprint, a.DependencyFingerprint,
			a.ReuseCount, createdAt, now.Add(ttl)); err != nil {
			return fmt.Errorf("put artifact: %w", err)
		}
		return nil
	})
}

// IncrementArtifactReuse bumps the reuse counter after a validated reuse.
func (s *Store) IncrementArtifactReuse(ctx context.Context, turnID, stageID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE artifacts SET reuse_count = reuse_count + 1
			WHERE turn_id = ? AND stage_id = ?;
		`, turnID, stageID); err != nil {
			return fmt.Errorf("increment artifact reuse: %w", err)
		}
		return nil
	})
}

// CopyArtifacts duplicates a superseded turn's artifacts into its
// successor, skipping the given stage ids (stages whose declared reuse
// policy is NEVER). TTLs restart: the successor turn is a fresh attempt.
func (s *Store) CopyArtifacts(ctx context.Context, fromTurnID, toTurnID string, skipStages []string, ttl time.Duration) (int64, error) {
	skip := make(map[string]struct{}, len(skipStages))
	for _, id := range skipStages {
		skip[id] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, payload, input_fingerprint, dependency_fingerprint, reuse_count, created_at
		FROM artifacts WHERE turn_id = ? AND expires_at > ?;
	`, fromTurnID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("read source artifacts: %w", err)
	}
	var artifacts []turn.Artifact
	for rows.Next() {
		var a turn.Artifact
		if err := rows.Scan(&a.StageID, &a.Payload, &a.InputFingerprint,
			&a.DependencyFingerprint, &a.ReuseCount, &a.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan source artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var copied int64
	for _, a := range artifacts {
		if _, skipped := skip[a.StageID]; skipped {
			continue
		}
		if err := s.PutArtifact(ctx, toTurnID, a, ttl); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

// DeleteTurnArtifacts discards a turn's artifacts. Called when the
// owning turn reaches a terminal state without a successor.
func (s *Store) DeleteTurnArtifacts(ctx context.Context, turnID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM artifacts WHERE turn_id = ?;
		`, turnID); err != nil {
			return fmt.Errorf("delete turn artifacts: %w", err)
		}
		return nil
	})
}

// PurgeExpiredArtifacts removes all artifacts past their TTL.
func (s *Store) PurgeExpiredArtifacts(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM artifacts WHERE expires_at <= ?;
		`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("purge artifacts: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
