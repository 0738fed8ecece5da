package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/basket/turnfabric/internal/config"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/policy"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkChannelPolicy,
		checkLocks,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Accumulation.MinWindowMs > cfg.Accumulation.MaxWindowMs {
		return CheckResult{
			Name:    "Config",
			Status:  "FAIL",
			Message: "accumulation min window exceeds max window",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.Storage.Path, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	// Open migrates the schema; a live query confirms it is readable.
	if _, err := store.TotalEventCount(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkChannelPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channel Policy", Status: "SKIP", Message: "Config missing"}
	}

	if _, err := os.Stat(cfg.ChannelPolicyPath); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Channel Policy",
			Status:  "WARN",
			Message: "channels.yaml not found; all channels use built-in defaults",
			Detail:  cfg.ChannelPolicyPath,
		}
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := policy.NewRegistry(cfg.ChannelPolicyPath, quiet); err != nil {
		return CheckResult{Name: "Channel Policy", Status: "FAIL", Message: fmt.Sprintf("Document invalid: %v", err)}
	}

	return CheckResult{Name: "Channel Policy", Status: "PASS", Message: "Document valid"}
}

func checkLocks(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Session Locks", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.Storage.Path, nil)
	if err != nil {
		return CheckResult{Name: "Session Locks", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	count, err := store.ActiveLockCount(ctx)
	if err != nil {
		return CheckResult{Name: "Session Locks", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if count > 0 {
		return CheckResult{
			Name:    "Session Locks",
			Status:  "WARN",
			Message: fmt.Sprintf("%d active lease(s)", count),
			Detail:  "Expected while the daemon is processing; stale leases are swept by the maintenance scheduler",
		}
	}
	return CheckResult{Name: "Session Locks", Status: "PASS", Message: "No active leases"}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		// In-use usually means the daemon is already up.
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s not bindable: %v", cfg.BindAddr, err),
			Detail:  "If the daemon is running this is expected",
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
