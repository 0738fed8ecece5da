package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/turnfabric/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestRun_AllChecksReport(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")

	if len(d.Results) != 6 {
		t.Fatalf("got %d results, want 6", len(d.Results))
	}
	for _, r := range d.Results {
		if r.Name == "" || r.Status == "" {
			t.Errorf("incomplete result: %+v", r)
		}
	}
}

func TestCheckConfig_NilConfig(t *testing.T) {
	r := checkConfig(context.Background(), nil)
	if r.Status != "FAIL" {
		t.Fatalf("got status %s, want FAIL", r.Status)
	}
}

func TestCheckDatabase_FreshHome(t *testing.T) {
	cfg := testConfig(t)
	r := checkDatabase(context.Background(), cfg)
	if r.Status != "PASS" {
		t.Fatalf("got status %s (%s), want PASS", r.Status, r.Message)
	}
}

func TestCheckChannelPolicy_Missing(t *testing.T) {
	cfg := testConfig(t)
	r := checkChannelPolicy(context.Background(), cfg)
	if r.Status != "WARN" {
		t.Fatalf("got status %s, want WARN for missing document", r.Status)
	}
}

func TestCheckChannelPolicy_Valid(t *testing.T) {
	cfg := testConfig(t)
	doc := "channels:\n  webchat:\n    aggregation_window_ms: 1500\n    supersede_default: SUPERSEDE\n"
	if err := os.WriteFile(cfg.ChannelPolicyPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	r := checkChannelPolicy(context.Background(), cfg)
	if r.Status != "PASS" {
		t.Fatalf("got status %s (%s), want PASS", r.Status, r.Message)
	}
}

func TestCheckChannelPolicy_Invalid(t *testing.T) {
	cfg := testConfig(t)
	doc := "channels:\n  webchat:\n    aggregation_window_ms: -5\n"
	if err := os.WriteFile(cfg.ChannelPolicyPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	r := checkChannelPolicy(context.Background(), cfg)
	if r.Status != "FAIL" {
		t.Fatalf("got status %s, want FAIL for invalid document", r.Status)
	}
}

func TestCheckPermissions_UnwritableHome(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	cfg := testConfig(t)
	locked := filepath.Join(t.TempDir(), "locked")
	if err := os.Mkdir(locked, 0o500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg.HomeDir = locked
	r := checkPermissions(context.Background(), cfg)
	if r.Status != "FAIL" {
		t.Fatalf("got status %s, want FAIL", r.Status)
	}
}
