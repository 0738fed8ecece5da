package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesJSONL(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	before := SupersedeCount()
	RecordSupersede("turn-1", "group-1", "acme:a:c:web", "SUPERSEDE", "user corrected intent")
	RecordSideEffect("turn-1", "group-1", "acme:a:c:web", "refund", "order-42")
	if SupersedeCount() != before+1 {
		t.Errorf("supersede count did not advance")
	}

	f, err := os.Open(filepath.Join(home, "logs", "decisions.jsonl"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var lines []entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad journal line: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("journal lines = %d, want 2", len(lines))
	}
	if lines[0].Kind != KindSupersede || lines[0].Decision != "SUPERSEDE" {
		t.Errorf("first line = %+v", lines[0])
	}
	if lines[1].Kind != KindSideEffect || lines[1].Decision != "refund" {
		t.Errorf("second line = %+v", lines[1])
	}
}

func TestRecordRedactsDetail(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	RecordSideEffect("turn-2", "group-2", "acme:a:c:web", "notify", "auth_token=sk-abcdef1234567890abcdef1234567890")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "decisions.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if strings.Contains(string(raw), "sk-abcdef1234567890abcdef1234567890") {
		t.Error("secret leaked into decision journal")
	}
}
