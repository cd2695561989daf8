package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ceremony/internal/app"
	"ceremony/internal/ceremony"
	"ceremony/internal/config"
	"ceremony/internal/roster"
	"ceremony/internal/telemetry"
)

// Roster registers the graduates listed in a YAML file.
func main() {
	file := flag.String("file", "roster.yaml", "roster file to import")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StoreBackend == "memory" {
		log.Fatal("roster import into the memory store would be lost; set STORE_BACKEND=postgres")
	}
	logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	f, err := roster.Load(*file)
	if err != nil {
		log.Fatalf("roster: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the import never touches the queue or the relay
	cfg.QueueBackend, cfg.NotifyBackend = "memory", "memory"
	backend, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open backends: %v", err)
	}
	defer backend.Close()

	lc := ceremony.NewLifecycle(backend.Store, nil, ceremony.Options{Logger: logger})
	res, err := roster.Import(ctx, lc, f, logger)
	if err != nil {
		log.Fatalf("import: %v", err)
	}
	created := ""
	if res.SessionCreated {
		created = " (created)"
	}
	fmt.Printf("session %q%s: %d registered, %d already present\n", res.Session.Name, created, res.Registered, res.Skipped)
}
