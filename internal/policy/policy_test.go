package policy

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy doc: %v", err)
	}
	return path
}

func TestRegistry_LoadAndGet(t *testing.T) {
	path := writeDoc(t, `
channels:
  whatsapp:
    aggregation_window_ms: 3000
    max_message_length: 4096
    supports_markdown: false
    supersede_default: SUPERSEDE
  webchat:
    aggregation_window_ms: 800
    supports_markdown: true
`)
	r, err := NewRegistry(path, slog.Default())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	wa := r.Get("whatsapp")
	if wa.AggregationWindowMs != 3000 {
		t.Errorf("whatsapp window = %d, want 3000", wa.AggregationWindowMs)
	}
	if wa.SupersedeDefault != "SUPERSEDE" {
		t.Errorf("whatsapp supersede default = %q", wa.SupersedeDefault)
	}

	web := r.Get("webchat")
	if !web.SupportsMarkdown {
		t.Error("webchat should support markdown")
	}
	if web.SupersedeDefault != "QUEUE" {
		t.Errorf("webchat supersede default = %q, want QUEUE fallback", web.SupersedeDefault)
	}
}

func TestRegistry_UnknownChannelDefault(t *testing.T) {
	path := writeDoc(t, "channels: {}\n")
	r, err := NewRegistry(path, slog.Default())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	p := r.Get("sms")
	if p.AggregationWindowMs != DefaultPolicy().AggregationWindowMs {
		t.Errorf("unknown channel window = %d", p.AggregationWindowMs)
	}
	if r.Known("sms") {
		t.Error("sms should not be a known channel")
	}
}

func TestRegistry_MissingFileServesDefaults(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "absent.yaml"), slog.Default())
	if err != nil {
		t.Fatalf("NewRegistry with missing file: %v", err)
	}
	if got := r.Get("voice"); got.SupersedeDefault != "QUEUE" {
		t.Errorf("default supersede = %q", got.SupersedeDefault)
	}
}

func TestRegistry_InvalidDocumentRejected(t *testing.T) {
	path := writeDoc(t, `
channels:
  whatsapp:
    aggregation_window_ms: 2000
`)
	r, err := NewRegistry(path, slog.Default())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if err := os.WriteFile(path, []byte(`
channels:
  whatsapp:
    aggregation_window_ms: -5
`), 0o644); err != nil {
		t.Fatalf("rewrite doc: %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("reload of invalid document should fail")
	}
	// Previous document stays live.
	if got := r.Get("whatsapp"); got.AggregationWindowMs != 2000 {
		t.Errorf("window after failed reload = %d, want 2000", got.AggregationWindowMs)
	}
}

func TestRegistry_UnknownFieldRejected(t *testing.T) {
	path := writeDoc(t, `
channels:
  sms:
    aggregation_window_ms: 500
    bogus_field: true
`)
	if _, err := NewRegistry(path, slog.Default()); err == nil {
		t.Fatal("document with unknown field should fail validation")
	}
}

func TestRegistry_Reload(t *testing.T) {
	path := writeDoc(t, `
channels:
  sms:
    aggregation_window_ms: 500
`)
	r, err := NewRegistry(path, slog.Default())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := os.WriteFile(path, []byte(`
channels:
  sms:
    aggregation_window_ms: 900
`), 0o644); err != nil {
		t.Fatalf("rewrite doc: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := r.Get("sms"); got.AggregationWindowMs != 900 {
		t.Errorf("window after reload = %d, want 900", got.AggregationWindowMs)
	}
}
