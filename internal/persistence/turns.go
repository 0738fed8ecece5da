package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/turn"
)

// CreateTurn persists a new LogicalTurn in ACCUMULATING with its first
// message, appending the turn-started event in the same transaction.
func (s *Store) CreateTurn(ctx context.Context, lt *turn.LogicalTurn, first turn.Message) error {
	if lt.ID == "" || lt.TurnGroupID == "" {
		return fmt.Errorf("create turn: id and turn_group_id required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create turn tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO logical_turns
				(id, turn_group_id, session_key, status, first_at, last_at, superseded_from)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, lt.ID, lt.TurnGroupID, lt.SessionKey.String(), turn.StatusAccumulating,
			lt.FirstAt.UTC(), lt.LastAt.UTC(), lt.SupersededFrom); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turn_messages (turn_id, seq, message_id, text, received_at)
			VALUES (?, 1, ?, ?, ?);
		`, lt.ID, first.ID, first.Text, first.ReceivedAt.UTC()); err != nil {
			return fmt.Errorf("insert first message: %w", err)
		}
		if err := s.appendFabricEventTx(ctx, tx, bus.FabricEvent{
			Type:          bus.TopicTurnStarted,
			LogicalTurnID: lt.ID,
			SessionKey:    lt.SessionKey.String(),
			Payload:       map[string]any{"turn_group_id": lt.TurnGroupID, "message_id": first.ID},
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
			Type:          bus.TopicTurnStarted,
			LogicalTurnID: lt.ID,
			SessionKey:    lt.SessionKey.String(),
			Payload:       map[string]any{"turn_group_id": lt.TurnGroupID, "message_id": first.ID},
		})
	}
	return nil
}

// AbsorbMessage appends a message to a still-absorbing turn, advancing
// last_at. Fails if the turn is terminal or has recorded an irreversible
// effect; that check and the append are one atomic step.
func (s *Store) AbsorbMessage(ctx context.Context, turnID string, msg turn.Message) error {
	var sessionKey string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin absorb tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		var irreversibleAt sql.NullTime
		if err := tx.QueryRowContext(ctx, `
			SELECT session_key, status, irreversible_effect_at
			FROM logical_turns WHERE id = ?;
		`, turnID).Scan(&sessionKey, &status, &irreversibleAt); err != nil {
			return fmt.Errorf("read turn for absorb: %w", err)
		}
		if turn.Status(status).Terminal() {
			return fmt.Errorf("absorb into %s turn %s", status, turnID)
		}
		if irreversibleAt.Valid {
			return fmt.Errorf("absorb into turn %s after irreversible effect", turnID)
		}

		var maxSeq int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) FROM turn_messages WHERE turn_id = ?;
		`, turnID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("read max seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turn_messages (turn_id, seq, message_id, text, received_at)
			VALUES (?, ?, ?, ?, ?);
		`, turnID, maxSeq+1, msg.ID, msg.Text, msg.ReceivedAt.UTC()); err != nil {
			return fmt.Errorf("insert absorbed message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE logical_turns
			SET last_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, msg.ReceivedAt.UTC(), turnID); err != nil {
			return fmt.Errorf("update last_at: %w", err)
		}
		if err := s.appendFabricEventTx(ctx, tx, bus.FabricEvent{
			Type:          bus.TopicMessageAbsorbed,
			LogicalTurnID: turnID,
			SessionKey:    sessionKey,
			Payload:       map[string]any{"message_id": msg.ID, "seq": maxSeq + 1},
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
			Type:          bus.TopicMessageAbsorbed,
			LogicalTurnID: turnID,
			SessionKey:    sessionKey,
			Payload:       map[string]any{"message_id": msg.ID},
		})
	}
	return nil
}

// TransitionTurn moves a turn along the lifecycle, enforcing the legal
// edges. completionReason applies to ACCUMULATING -> PROCESSING;
// response applies to PROCESSING -> COMPLETE.
func (s *Store) TransitionTurn(ctx context.Context, turnID string, to turn.Status, completionReason turn.CompletionReason, response string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var from string
		var sessionKey string
		if err := tx.QueryRowContext(ctx, `
			SELECT status, session_key FROM logical_turns WHERE id = ?;
		`, turnID).Scan(&from, &sessionKey); err != nil {
			return fmt.Errorf("read turn status: %w", err)
		}
		if !turn.ValidTransition(turn.Status(from), to) {
			return &turn.InvalidTransitionError{TurnID: turnID, From: turn.Status(from), To: to}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE logical_turns
			SET status = ?,
				completion_reason = CASE WHEN ? != '' THEN ? ELSE completion_reason END,
				response = CASE WHEN ? != '' THEN ? ELSE response END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, string(completionReason), string(completionReason), response, response, turnID, from); err != nil {
			return fmt.Errorf("update turn status: %w", err)
		}

		topic := topicForTransition(to)
		if topic != "" {
			if err := s.appendFabricEventTx(ctx, tx, bus.FabricEvent{
				Type:          topic,
				LogicalTurnID: turnID,
				SessionKey:    sessionKey,
				Payload:       map[string]any{"from": from, "to": string(to)},
			}); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		if s.bus != nil && topic != "" {
			s.bus.Publish(bus.FabricEvent{
				Type:          topic,
				LogicalTurnID: turnID,
				SessionKey:    sessionKey,
				Payload:       map[string]any{"from": from, "to": string(to)},
			})
		}
		return nil
	})
}

func topicForTransition(to turn.Status) string {
	switch to {
	case turn.StatusProcessing:
		return bus.TopicTurnProcessing
	case turn.StatusComplete:
		return bus.TopicTurnCompleted
	case turn.StatusSuperseded:
		return bus.TopicSupersedeExecuted
	default:
		return ""
	}
}

// LinkSupersede records the chain edge between a superseded turn and its
// successor. The old turn must already be SUPERSEDED; the edge is
// append-only and never repointed.
func (s *Store) LinkSupersede(ctx context.Context, oldTurnID, newTurnID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE logical_turns
			SET superseded_by = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND superseded_by = '';
		`, newTurnID, oldTurnID, turn.StatusSuperseded)
		if err != nil {
			return fmt.Errorf("link supersede: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("turn %s not superseded or already linked", oldTurnID)
		}
		return nil
	})
}

// MarkIrreversibleEffect stamps the turn's first irreversible side
// effect. Idempotent: the first stamp wins.
func (s *Store) MarkIrreversibleEffect(ctx context.Context, turnID string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE logical_turns
			SET irreversible_effect_at = COALESCE(irreversible_effect_at, ?),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, at.UTC(), turnID); err != nil {
			return fmt.Errorf("mark irreversible effect: %w", err)
		}
		return nil
	})
}

// GetTurn loads a turn with its ordered message ids.
func (s *Store) GetTurn(ctx context.Context, turnID string) (*turn.LogicalTurn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, turn_group_id, session_key, status, completion_reason,
			first_at, last_at, superseded_by, superseded_from,
			irreversible_effect_at, response
		FROM logical_turns WHERE id = ?;
	`, turnID)
	lt, err := scanTurn(row)
	if err != nil {
		return nil, err
	}
	if lt == nil {
		return nil, nil
	}
	if err := s.loadTurnMessages(ctx, lt); err != nil {
		return nil, err
	}
	return lt, nil
}

// LiveTurnForSession returns the session's non-terminal turn, or nil.
// The session lock invariant means there is at most one.
func (s *Store) LiveTurnForSession(ctx context.Context, sessionKey string) (*turn.LogicalTurn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, turn_group_id, session_key, status, completion_reason,
			first_at, last_at, superseded_by, superseded_from,
			irreversible_effect_at, response
		FROM logical_turns
		WHERE session_key = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1;
	`, sessionKey, turn.StatusAccumulating, turn.StatusProcessing)
	lt, err := scanTurn(row)
	if err != nil || lt == nil {
		return lt, err
	}
	if err := s.loadTurnMessages(ctx, lt); err != nil {
		return nil, err
	}
	return lt, nil
}

// ListProcessingTurns returns all turns stranded in PROCESSING, used by
// crash recovery to resume toward commit.
func (s *Store) ListProcessingTurns(ctx context.Context) ([]*turn.LogicalTurn, error) {
	return s.listTurnsByStatus(ctx, turn.StatusProcessing)
}

// ListAccumulatingTurns returns turns stranded in ACCUMULATING after a
// crash; recovery promotes them to PROCESSING (their messages are
// durable, re-running the wait would double-count nothing but delays the
// user for no reason).
func (s *Store) ListAccumulatingTurns(ctx context.Context) ([]*turn.LogicalTurn, error) {
	return s.listTurnsByStatus(ctx, turn.StatusAccumulating)
}

func (s *Store) listTurnsByStatus(ctx context.Context, status turn.Status) ([]*turn.LogicalTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_group_id, session_key, status, completion_reason,
			first_at, last_at, superseded_by, superseded_from,
			irreversible_effect_at, response
		FROM logical_turns WHERE status = ?
		ORDER BY created_at ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list %s turns: %w", status, err)
	}
	defer rows.Close()

	var turns []*turn.LogicalTurn
	for rows.Next() {
		lt, err := scanTurnRow(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, lt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, lt := range turns {
		if err := s.loadTurnMessages(ctx, lt); err != nil {
			return nil, err
		}
	}
	return turns, nil
}

// ListTurnsBySession returns all turns for a session, oldest first.
func (s *Store) ListTurnsBySession(ctx context.Context, sessionKey string, limit int) ([]*turn.LogicalTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_group_id, session_key, status, completion_reason,
			first_at, last_at, superseded_by, superseded_from,
			irreversible_effect_at, response
		FROM logical_turns WHERE session_key = ?
		ORDER BY created_at ASC LIMIT ?;
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list session turns: %w", err)
	}
	defer rows.Close()

	var turns []*turn.LogicalTurn
	for rows.Next() {
		lt, err := scanTurnRow(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, lt)
	}
	return turns, rows.Err()
}

// TurnMessages loads the full message records of a turn, in order.
func (s *Store) TurnMessages(ctx context.Context, turnID string) ([]turn.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, text, received_at FROM turn_messages
		WHERE turn_id = ? ORDER BY seq ASC;
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list turn messages: %w", err)
	}
	defer rows.Close()

	var msgs []turn.Message
	for rows.Next() {
		var m turn.Message
		if err := rows.Scan(&m.ID, &m.Text, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan turn message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// TurnCounts returns live/terminal counters for the status command.
func (s *Store) TurnCounts(ctx context.Context) (accumulating, processing, complete, superseded int, err error) {
	rows, qerr := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM logical_turns GROUP BY status;
	`)
	if qerr != nil {
		return 0, 0, 0, 0, fmt.Errorf("count turns: %w", qerr)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, 0, err
		}
		switch turn.Status(status) {
		case turn.StatusAccumulating:
			accumulating = n
		case turn.StatusProcessing:
			processing = n
		case turn.StatusComplete:
			complete = n
		case turn.StatusSuperseded:
			superseded = n
		}
	}
	return accumulating, processing, complete, superseded, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row *sql.Row) (*turn.LogicalTurn, error) {
	lt, err := scanTurnRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lt, err
}

func scanTurnRow(row rowScanner) (*turn.LogicalTurn, error) {
	var lt turn.LogicalTurn
	var sessionKey, status, reason string
	var irreversibleAt sql.NullTime
	if err := row.Scan(&lt.ID, &lt.TurnGroupID, &sessionKey, &status, &reason,
		&lt.FirstAt, &lt.LastAt, &lt.SupersededBy, &lt.SupersededFrom,
		&irreversibleAt, &lt.Response); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	key, err := turn.ParseSessionKey(sessionKey)
	if err != nil {
		return nil, err
	}
	lt.SessionKey = key
	lt.Status = turn.Status(status)
	lt.CompletionReason = turn.CompletionReason(reason)
	if irreversibleAt.Valid {
		t := irreversibleAt.Time
		lt.IrreversibleEffectAt = &t
	}
	return &lt, nil
}

func (s *Store) loadTurnMessages(ctx context.Context, lt *turn.LogicalTurn) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM turn_messages WHERE turn_id = ? ORDER BY seq ASC;
	`, lt.ID)
	if err != nil {
		return fmt.Errorf("load message ids: %w", err)
	}
	defer rows.Close()
	lt.MessageIDs = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		lt.MessageIDs = append(lt.MessageIDs, id)
	}
	return rows.Err()
}
