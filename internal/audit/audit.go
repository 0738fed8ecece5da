// Package audit is the decision journal: every supersede resolution and
// side-effect authorization is appended to a JSONL file and, when a
// database is attached, to the decision_journal table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/turnfabric/internal/shared"
)

const (
	KindSupersede  = "supersede"
	KindSideEffect = "side_effect"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Kind          string `json:"kind"`
	LogicalTurnID string `json:"logical_turn_id,omitempty"`
	TurnGroupID   string `json:"turn_group_id,omitempty"`
	SessionKey    string `json:"session_key,omitempty"`
	Decision      string `json:"decision"`
	Detail        string `json:"detail,omitempty"`
}

var (
	mu             sync.Mutex
	file           *os.File
	db             *sql.DB
	supersedeCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "decisions.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the database for decision_journal table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// SupersedeCount returns the supersede decisions recorded since startup.
func SupersedeCount() int64 {
	return supersedeCount.Load()
}

// RecordSupersede journals one arbiter decision.
func RecordSupersede(turnID, turnGroupID, sessionKey, action, reason string) {
	supersedeCount.Add(1)
	record(KindSupersede, turnID, turnGroupID, sessionKey, action, reason)
}

// RecordSideEffect journals one authorized side-effect execution.
func RecordSideEffect(turnID, turnGroupID, sessionKey, operation, detail string) {
	record(KindSideEffect, turnID, turnGroupID, sessionKey, operation, detail)
}

func record(kind, turnID, turnGroupID, sessionKey, decision, detail string) {
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Kind:          kind,
			LogicalTurnID: turnID,
			TurnGroupID:   turnGroupID,
			SessionKey:    sessionKey,
			Decision:      decision,
			Detail:        detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO decision_journal (kind, logical_turn_id, turn_group_id, session_key, decision, detail)
			VALUES (?, ?, ?, ?, ?, ?);
		`, kind, turnID, turnGroupID, sessionKey, decision, detail)
	}
}
