package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wireEvent is the frame shape sent to websocket subscribers. Replayed
// durable events carry an event_id; live events do not, since the bus
// delivers them before the row's id is read back.
type wireEvent struct {
	EventID       int64          `json:"event_id,omitempty"`
	Type          string         `json:"type"`
	LogicalTurnID string         `json:"logical_turn_id,omitempty"`
	SessionKey    string         `json:"session_key,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// handleEvents streams fabric events over a websocket. Query params:
// session_key filters to one session (required for replay), from_event_id
// replays a bounded window of durable events before going live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionKey := r.URL.Query().Get("session_key")
	var fromEventID int64
	if raw := r.URL.Query().Get("from_event_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_event_id must be an integer")
			return
		}
		fromEventID = n
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx := r.Context()

	// Subscribe before replay so nothing published during the replay
	// window is missed; duplicates are possible at the seam and are the
	// client's problem to dedupe by event content.
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	if sessionKey != "" && fromEventID >= 0 {
		stored, err := s.cfg.Store.ListFabricEventsFrom(ctx, sessionKey, fromEventID, maxReplayEvents)
		if err != nil {
			s.logger.Error("event replay failed", "session_key", sessionKey, "error", err)
			conn.Close(websocket.StatusInternalError, "replay failed")
			return
		}
		for _, ev := range stored {
			var payload map[string]any
			if ev.Payload != "" {
				_ = json.Unmarshal([]byte(ev.Payload), &payload)
			}
			frame := wireEvent{
				EventID:       ev.EventID,
				Type:          ev.Type,
				LogicalTurnID: ev.LogicalTurnID,
				SessionKey:    ev.SessionKey,
				Timestamp:     ev.CreatedAt,
				Payload:       payload,
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if sessionKey != "" && ev.Payload.SessionKey != sessionKey {
				continue
			}
			if err := s.writeLive(ctx, conn, ev.Payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeLive(ctx context.Context, conn *websocket.Conn, ev bus.FabricEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, wireEvent{
		Type:          ev.Type,
		LogicalTurnID: ev.LogicalTurnID,
		SessionKey:    ev.SessionKey,
		Timestamp:     ev.Timestamp,
		Payload:       ev.Payload,
	})
}
