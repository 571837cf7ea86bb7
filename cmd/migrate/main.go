// Command migrate applies the embedded schema migrations.
//
// Usage:
//
//	go run ./cmd/migrate up            # Apply all pending migrations
//	go run ./cmd/migrate down          # Roll back the last migration
//	go run ./cmd/migrate status        # Show migration status
//	go run ./cmd/migrate version       # Show current schema version
//	go run ./cmd/migrate up-to 3       # Apply up to and including version 3
//	go run ./cmd/migrate down-to 2     # Roll back to version 2
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"

	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/migrations"
)

func main() {
	logger := logging.New("info", "text")

	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, up-to <version>, down-to <version>")
		os.Exit(2)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := run(ctx, db, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, db *sql.DB, command string, args []string) error {
	sessionLocker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS,
		goose.WithSessionLocker(sessionLocker),
	)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		results, err := provider.Up(ctx)
		printResults(results)
		return err
	case "down":
		result, err := provider.Down(ctx)
		if result != nil {
			printResults([]*goose.MigrationResult{result})
		}
		return err
	case "up-to", "down-to":
		version, err := versionArg(args)
		if err != nil {
			return err
		}
		var results []*goose.MigrationResult
		if command == "up-to" {
			results, err = provider.UpTo(ctx, version)
		} else {
			results, err = provider.DownTo(ctx, version)
		}
		printResults(results)
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := "pending"
			if st.State == goose.StateApplied {
				applied = st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-25s %s\n", applied, st.Source.Path)
		}
		return nil
	case "version":
		version, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(version)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func versionArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one version argument")
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", args[0], err)
	}
	return v, nil
}

func printResults(results []*goose.MigrationResult) {
	for _, r := range results {
		fmt.Println(r.String())
	}
}
