package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/turnfabric/internal/turn"
)

// SetAccumulationHint stores the hint a completed turn leaves for the
// NEXT turn on the same session. Written at commit time only: the hint
// a turn produces must never feed its own accumulation.
func (s *Store) SetAccumulationHint(ctx context.Context, sessionKey string, hint turn.AccumulationHint) error {
	expectReply := 0
	if hint.ExpectReply {
		expectReply = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO accumulation_hints (session_key, expect_reply, window_scale, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET
				expect_reply = excluded.expect_reply,
				window_scale = excluded.window_scale,
				updated_at = excluded.updated_at;
		`, sessionKey, expectReply, hint.WindowScale, time.Now().UTC()); err != nil {
			return fmt.Errorf("set accumulation hint: %w", err)
		}
		return nil
	})
}

// GetAccumulationHint reads the prior turn's hint, or nil when no turn
// has completed for the session yet.
func (s *Store) GetAccumulationHint(ctx context.Context, sessionKey string) (*turn.AccumulationHint, error) {
	var expectReply int
	var scale float64
	err := s.db.QueryRowContext(ctx, `
		SELECT expect_reply, window_scale FROM accumulation_hints
		WHERE session_key = ?;
	`, sessionKey).Scan(&expectReply, &scale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get accumulation hint: %w", err)
	}
	return &turn.AccumulationHint{ExpectReply: expectReply == 1, WindowScale: scale}, nil
}
