// Package main is the entrypoint for the peer-agent daemon.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/morezero/peer-agent/internal/config"
	"github.com/morezero/peer-agent/internal/server"
	"github.com/morezero/peer-agent/pkg/store"
)

const usage = `Usage: agentd [command]

Commands:
  (default)   Start the peer agent (NATS, HTTP health, RPC surface).
  migrate     Run database migrations only (does not start the agent).
  status      Report migration status for the configured database.

Environment: COMMS_URL, SERVICE_NAME, AGENT_IDENTITY, DATABASE_URL,
MIGRATION_PATH (migrate). See README for the full list.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if err := runMigrate(); err != nil {
			log.Fatalf("agentd migrate: %v", err)
		}
		return
	case "status":
		if err := runStatus(); err != nil {
			log.Fatalf("agentd status: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "":
		// fall through to the daemon
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("agentd: fatal error: %v", err)
	}
}

func runMigrate() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrationSQL, err := store.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := store.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runStatus() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return store.MigrationStatus(ctx, pool, cfg.MigrationPath)
}
