package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/comit-network/cnd/internal/config"
	"github.com/comit-network/cnd/internal/eventlog"
	"github.com/comit-network/cnd/internal/storage"
)

// runDumpSwap implements the "cnd dump-swap <swap-id>" CLI surface (spec
// §6 minimum CLI surface: "dump the event log for one swap").
func runDumpSwap(args []string) {
	fs := flag.NewFlagSet("dump-swap", flag.ExitOnError)
	configPath := fs.String("config", "~/.cnd/config.yaml", "Config file path")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cnd dump-swap [-config PATH] <swap-id>")
		os.Exit(2)
	}
	swapID := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(&storage.Config{Path: cfg.Database.SQLite})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	log := eventlog.New(store)
	replayed, err := log.Replay(swapID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to replay swap %s: %v\n", swapID, err)
		os.Exit(1)
	}

	raw, err := store.LoadEvents(swapID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load raw events: %v\n", err)
		os.Exit(1)
	}

	out := map[string]interface{}{
		"swap_id":        swapID,
		"phase":          string(replayed.State.Phase()),
		"alpha_state":    string(replayed.State.Alpha),
		"beta_state":     string(replayed.State.Beta),
		"halted":         replayed.State.Halted,
		"halt_reason":    replayed.State.HaltReason,
		"event_count":    len(raw),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

// runListOrders implements the "cnd list-orders" CLI surface (spec §6
// minimum CLI surface: "list open orders").
func runListOrders(args []string) {
	fs := flag.NewFlagSet("list-orders", flag.ExitOnError)
	configPath := fs.String("config", "~/.cnd/config.yaml", "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(&storage.Config{Path: cfg.Database.SQLite})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	orders, err := store.ListOpenOrders()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list orders: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(orders)
}
