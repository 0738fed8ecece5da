package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/turnfabric/internal/bus"
)

// StoredEvent is one row of the durable fabric event log.
type StoredEvent struct {
	EventID       int64
	Type          string
	LogicalTurnID string
	SessionKey    string
	Payload       string
	CreatedAt     time.Time
}

// AppendFabricEvent persists an event and publishes it to live bus
// subscribers. The durable row is the source of truth; bus delivery is
// best-effort.
func (s *Store) AppendFabricEvent(ctx context.Context, ev bus.FabricEvent) error {
	err := retryOnBusy(ctx, 5, func() error {
		return s.appendFabricEventDB(ctx, s.db, ev)
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(ev)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// appendFabricEventTx appends inside a caller-owned transaction so event
// rows commit atomically with the state transition they describe. The
// caller publishes to the bus after commit.
func (s *Store) appendFabricEventTx(ctx context.Context, tx *sql.Tx, ev bus.FabricEvent) error {
	return s.appendFabricEventDB(ctx, tx, ev)
}

func (s *Store) appendFabricEventDB(ctx context.Context, db execer, ev bus.FabricEvent) error {
	payload := "{}"
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(raw)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO fabric_events (type, logical_turn_id, session_key, payload)
		VALUES (?, ?, ?, ?);
	`, ev.Type, ev.LogicalTurnID, ev.SessionKey, payload); err != nil {
		return fmt.Errorf("append fabric event: %w", err)
	}
	return nil
}

// ListFabricEventsFrom returns up to limit events for a session with
// event_id greater than fromEventID, in append order. Used by the
// websocket stream for bounded replay.
func (s *Store) ListFabricEventsFrom(ctx context.Context, sessionKey string, fromEventID int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, type, logical_turn_id, session_key, payload, created_at
		FROM fabric_events
		WHERE session_key = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, sessionKey, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list fabric events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.EventID, &ev.Type, &ev.LogicalTurnID, &ev.SessionKey, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fabric event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TotalEventCount returns the size of the event log.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM fabric_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count fabric events: %w", err)
	}
	return count, nil
}

// PurgeFabricEventsBefore removes events older than the cutoff, returning
// the number deleted. Retention is configured in days.
func (s *Store) PurgeFabricEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM fabric_events WHERE created_at < ?;
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("purge fabric events: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
