package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/turnfabric/internal/accumulate"
	"github.com/basket/turnfabric/internal/arbiter"
	"github.com/basket/turnfabric/internal/artifact"
	"github.com/basket/turnfabric/internal/audit"
	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/config"
	"github.com/basket/turnfabric/internal/cron"
	"github.com/basket/turnfabric/internal/engine"
	"github.com/basket/turnfabric/internal/gateway"
	"github.com/basket/turnfabric/internal/ledger"
	"github.com/basket/turnfabric/internal/orchestrator"
	otelPkg "github.com/basket/turnfabric/internal/otel"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/policy"
	"github.com/basket/turnfabric/internal/session"
	"github.com/basket/turnfabric/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the fabric daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s stats                    Print turn, lock, ledger, and event counts
                              from the local database (daemon not required)
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the build version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TURNFABRIC_HOME         Data directory (default: ~/.turnfabric)
  TURNFABRIC_BIND_ADDR    Override the gateway bind address
  TURNFABRIC_AUTH_TOKEN   Bearer token required by the gateway
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "stats":
			os.Exit(runStatsCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures still land in
	// the decision journal.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	// Create the event bus early so the store can publish fabric events.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	store, err := persistence.Open(cfg.Storage.Path, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.Storage.Path)

	policies, err := policy.NewRegistry(cfg.ChannelPolicyPath, logger)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "path", cfg.ChannelPolicyPath)

	confWatcher := config.NewWatcher(logger,
		cfg.ChannelPolicyPath,
		filepath.Join(cfg.HomeDir, "config.yaml"),
	)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case filepath.Base(cfg.ChannelPolicyPath):
				if err := policies.Reload(); err != nil {
					logger.Error("channel policy reload rejected; retaining previous document", "error", err)
				} else {
					logger.Info("channel policy hot-reloaded", "path", ev.Path)
				}
			case "config.yaml":
				logger.Warn("config.yaml changed; restart required for the change to take effect")
			}
		}
	}()

	locks := session.New(session.Config{
		Store:       store,
		Logger:      logger,
		LeaseTTL:    cfg.LeaseTTL(),
		WaitTimeout: cfg.LockWaitTimeout(),
	})

	led := ledger.New(ledger.Config{
		Store:         store,
		Logger:        logger,
		RequestTTL:    time.Duration(cfg.Idempotency.RequestTTLSeconds) * time.Second,
		BeatTTL:       time.Duration(cfg.Idempotency.BeatTTLSeconds) * time.Second,
		SideEffectTTL: time.Duration(cfg.Idempotency.SideEffectTTLSeconds) * time.Second,
		FailOpen:      cfg.FailOpen(),
	})

	artifacts := artifact.New(artifact.Config{
		Store:  store,
		Bus:    eventBus,
		Logger: logger,
		TTL:    time.Duration(cfg.Artifacts.TTLSeconds) * time.Second,
	})

	arb := arbiter.New(logger, eventBus)

	// The built-in echo engine stands in until a real reasoning engine is
	// attached over the engine.Engine interface.
	eng := engine.NewScripted()
	eng.AttachArtifacts(artifacts)

	orch := orchestrator.New(orchestrator.Config{
		Store:     store,
		Locks:     locks,
		Ledger:    led,
		Artifacts: artifacts,
		Arbiter:   arb,
		Engine:    eng,
		Policies:  policies,
		Bus:       eventBus,
		Logger:    logger,

		AccumulateLimits: accumulateLimits(cfg),
		LockHeartbeat:    cfg.Heartbeat(),
	})
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(drainCtx)
	}()

	if err := orch.Recover(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed")

	sched, err := cron.NewScheduler(cron.Config{
		Store:       store,
		Recoverer:   orch,
		Logger:      logger,
		Maintenance: cfg.Maintenance,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	gw := gateway.NewServer(gateway.Config{
		Store:         store,
		Orch:          orch,
		Ledger:        led,
		Bus:           eventBus,
		Logger:        logger,
		AuthToken:     cfg.AuthToken,
		RatePerTenant: cfg.RateLimitPerTenant,
	})
	server, err := gw.Serve(cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_BIND", err)
	}
	logger.Info("startup phase", "phase", "gateway_listening", "addr", cfg.BindAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop intake first, then drain workers via the deferred orch.Shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func accumulateLimits(cfg config.Config) accumulate.Limits {
	return accumulate.Limits{Min: cfg.MinWindow(), Max: cfg.MaxWindow()}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
