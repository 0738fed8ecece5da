package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/config"
	"github.com/basket/turnfabric/internal/persistence"
)

// runStatsCommand reads counters straight from the local database so it
// works whether or not the daemon is up.
func runStatsCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: turnfabric stats")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.Storage.Path, bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	accumulating, processing, complete, superseded, err := store.TurnCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turn counts: %v\n", err)
		return 1
	}
	locks, err := store.ActiveLockCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock count: %v\n", err)
		return 1
	}
	ledgerCounts, err := store.IdempotencyCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger counts: %v\n", err)
		return 1
	}
	events, err := store.TotalEventCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "event count: %v\n", err)
		return 1
	}

	fmt.Printf("database: %s\n\n", cfg.Storage.Path)
	fmt.Println("turns:")
	fmt.Printf("  accumulating  %d\n", accumulating)
	fmt.Printf("  processing    %d\n", processing)
	fmt.Printf("  complete      %d\n", complete)
	fmt.Printf("  superseded    %d\n", superseded)
	fmt.Printf("\nactive session locks: %d\n", locks)

	fmt.Println("\nidempotency reservations:")
	layers := make([]string, 0, len(ledgerCounts))
	for layer := range ledgerCounts {
		layers = append(layers, layer)
	}
	sort.Strings(layers)
	for _, layer := range layers {
		fmt.Printf("  %-12s  %d\n", layer, ledgerCounts[layer])
	}
	if len(layers) == 0 {
		fmt.Println("  (none)")
	}

	fmt.Printf("\nfabric events: %d\n", events)
	return 0
}
