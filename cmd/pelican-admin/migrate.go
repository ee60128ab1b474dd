package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/pelicanmail/pelican/consts"
	"github.com/pelicanmail/pelican/provider/postgres"
	"github.com/pelicanmail/pelican/provider/sqlite"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", os.Args[2])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

The sqlite backend migrates itself at server startup; this command mainly
serves postgres deployments, where it should run while the server is
stopped. A database lock guards against a concurrently running server.

Usage:
  pelican-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  pelican-admin migrate up
  pelican-admin migrate down --limit 2
  pelican-admin migrate down --all
  pelican-admin migrate version
  pelican-admin migrate force 1
`)
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	tool, err := newMigrateTool(ctx, *configPath)
	if err != nil {
		fatalf("failed to initialize migration tool: %v", err)
	}
	defer tool.close()

	if err := tool.lock(ctx); err != nil {
		fatalf("%v", err)
	}
	defer tool.unlock(context.Background())

	fmt.Println("Applying UP migrations...")
	if err := tool.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fatalf("failed to apply UP migrations: %v", err)
	}
	tool.showVersion()
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Parse(os.Args[3:])

	tool, err := newMigrateTool(ctx, *configPath)
	if err != nil {
		fatalf("failed to initialize migration tool: %v", err)
	}
	defer tool.close()

	if err := tool.lock(ctx); err != nil {
		fatalf("%v", err)
	}
	defer tool.unlock(context.Background())

	if *all {
		version, dirty, err := tool.m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("No migrations to revert.")
				return
			}
			fatalf("failed to get current migration version: %v", err)
		}
		if dirty {
			fatalf("database is in a dirty state (version %d); fix it with 'force'", version)
		}
		fmt.Printf("Reverting all %d migration(s)...\n", version)
		if err := tool.m.Steps(-int(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			fatalf("failed to revert all migrations: %v", err)
		}
	} else {
		fmt.Printf("Reverting %d migration(s)...\n", *limit)
		if err := tool.m.Steps(-(*limit)); err != nil {
			fatalf("failed to revert migrations: %v", err)
		}
	}
	tool.showVersion()
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	tool, err := newMigrateTool(ctx, *configPath)
	if err != nil {
		fatalf("failed to initialize migration tool: %v", err)
	}
	defer tool.close()

	tool.showVersion()
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fmt.Println("Usage: pelican-admin migrate force [--config config.toml] <version>")
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fatalf("invalid version number: %v", err)
	}

	tool, err := newMigrateTool(ctx, *configPath)
	if err != nil {
		fatalf("failed to initialize migration tool: %v", err)
	}
	defer tool.close()

	if err := tool.lock(ctx); err != nil {
		fatalf("%v", err)
	}
	defer tool.unlock(context.Background())

	fmt.Printf("Forcing database version to %d...\n", version)
	if err := tool.m.Force(version); err != nil {
		fatalf("failed to force version: %v", err)
	}
	tool.showVersion()
}

// migrateTool pairs a migrate instance with its database handle. For the
// postgres backend an advisory lock serializes schema changes; sqlite needs
// none, the file lock is the database's own.
type migrateTool struct {
	m        *migrate.Migrate
	db       *sql.DB
	postgres bool
}

func newMigrateTool(ctx context.Context, configPath string) (*migrateTool, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	var (
		db           *sql.DB
		migrationsFS fs.FS
		driverName   string
		isPostgres   bool
	)
	switch cfg.Provider.Backend {
	case "sqlite":
		db, err = sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", cfg.Provider.SQLite.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		migrationsFS = sqlite.MigrationsFS
		driverName = "sqlite"
	case "postgres":
		db, err = sql.Open("pgx", cfg.Provider.Postgres.ConnString())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		migrationsFS = postgres.MigrationsFS
		driverName = "pgx5"
		isPostgres = true
	default:
		return nil, fmt.Errorf("backend %q has no schema to migrate", cfg.Provider.Backend)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	var m *migrate.Migrate
	if isPostgres {
		driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create migration db driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, driverName, driver)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create migrate instance: %w", err)
		}
	} else {
		driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create migration db driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, driverName, driver)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create migrate instance: %w", err)
		}
	}

	return &migrateTool{m: m, db: db, postgres: isPostgres}, nil
}

func (t *migrateTool) close() {
	t.db.Close()
}

func (t *migrateTool) lock(ctx context.Context) error {
	if !t.postgres {
		return nil
	}
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	err := t.db.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.AdvisoryLockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire exclusive database lock; is a pelican server still running?")
	}
	return nil
}

func (t *migrateTool) unlock(ctx context.Context) {
	if !t.postgres {
		return
	}
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := t.db.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.AdvisoryLockID).Scan(&unlocked); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to release advisory lock: %v\n", err)
	}
}

func (t *migrateTool) showVersion() {
	version, dirty, err := t.m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Current migration version: none")
			return
		}
		fmt.Fprintf(os.Stderr, "failed to get migration version: %v\n", err)
		return
	}
	fmt.Printf("Current migration version: %d\n", version)
	if dirty {
		fmt.Println("Dirty state: YES (use 'force' to fix)")
	} else {
		fmt.Println("Dirty state: no")
	}
}
