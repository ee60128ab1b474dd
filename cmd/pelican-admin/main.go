package main

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/pelicanmail/pelican/config"
	"github.com/pelicanmail/pelican/logger"
	"github.com/pelicanmail/pelican/provider"
	"github.com/pelicanmail/pelican/provider/postgres"
	"github.com/pelicanmail/pelican/provider/sqlite"
	"github.com/pelicanmail/pelican/storage"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "accounts":
		handleAccountsCommand(ctx)
	case "import":
		handleImportCommand(ctx)
	case "migrate":
		handleMigrateCommand(ctx)
	case "s3":
		handleS3Command(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Pelican Admin Tool

Usage:
  pelican-admin <command> [options]

Commands:
  accounts    Manage user accounts (create, update, delete, list)
  import      Deliver .eml files into a user's mailbox
  migrate     Manage the database schema
  s3          Blob store maintenance
  help        Show this help message

Examples:
  pelican-admin accounts create --username user --password mypassword
  pelican-admin accounts list
  pelican-admin import --username user --path ./mail/
  pelican-admin migrate up
  pelican-admin s3 scan-orphans --delete

Use 'pelican-admin <command> help' for detailed help.
`)
}

// loadConfig reads the TOML file, falling back to defaults when the default
// path does not exist.
func loadConfig(configPath string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "pelican-admin: configuration file '%s' not found, using defaults\n", configPath)
		} else {
			return cfg, fmt.Errorf("error parsing configuration file '%s': %w", configPath, err)
		}
	}
	// Admin output goes to the terminal; keep log noise down.
	if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openStore connects the configured SQL backend and the blob store when one
// is enabled. The memory backend has no administrative surface.
func openStore(ctx context.Context, cfg config.Config) (provider.AccountStore, func(), error) {
	var blobs *storage.BlobStore
	if cfg.S3.Enabled {
		var err error
		blobs, err = storage.New(ctx, cfg.S3)
		if err != nil {
			return nil, nil, err
		}
	}

	switch cfg.Provider.Backend {
	case "sqlite":
		p, err := sqlite.New(ctx, cfg.Provider.SQLite, blobs)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil
	case "postgres":
		p, err := postgres.New(ctx, cfg.Provider.Postgres, blobs)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("backend %q does not support administration", cfg.Provider.Backend)
	}
}

// openBlobs connects only the blob store; it must be enabled in the config.
func openBlobs(ctx context.Context, cfg config.Config) (*storage.BlobStore, error) {
	if !cfg.S3.Enabled {
		return nil, fmt.Errorf("the s3 section is not enabled in the configuration")
	}
	return storage.New(ctx, cfg.S3)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pelican-admin: "+format+"\n", args...)
	os.Exit(1)
}
