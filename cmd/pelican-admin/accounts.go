package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pelicanmail/pelican/consts"
	"github.com/pelicanmail/pelican/provider"
)

func handleAccountsCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printAccountsUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "create":
		handleCreateAccount(ctx)
	case "update":
		handleUpdateAccount(ctx)
	case "delete":
		handleDeleteAccount(ctx)
	case "list":
		handleListAccounts(ctx)
	case "help", "--help", "-h":
		printAccountsUsage()
	default:
		fmt.Printf("Unknown accounts subcommand: %s\n\n", os.Args[2])
		printAccountsUsage()
		os.Exit(1)
	}
}

func printAccountsUsage() {
	fmt.Printf(`Manage user accounts

Usage:
  pelican-admin accounts <subcommand> [options]

Subcommands:
  create    Create a new account
  update    Change an account's password
  delete    Remove an account and all its mail
  list      List all accounts with message statistics

Examples:
  pelican-admin accounts create --username user --password mypassword
  pelican-admin accounts update --username user --password newpassword
  pelican-admin accounts delete --username user
  pelican-admin accounts list --config /etc/pelican/config.toml
`)
}

func handleCreateAccount(ctx context.Context) {
	fs := flag.NewFlagSet("accounts create", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Username for the new account (required)")
	password := fs.String("password", "", "Password for the new account (required)")
	fs.Parse(os.Args[3:])

	if *username == "" || *password == "" {
		fmt.Printf("Error: --username and --password are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	store, cleanup := mustOpenStore(ctx, *configPath)
	defer cleanup()

	if err := store.CreateAccount(ctx, *username, *password); err != nil {
		if err == consts.ErrUserExists {
			fatalf("account '%s' already exists", *username)
		}
		fatalf("failed to create account: %v", err)
	}
	fmt.Printf("Account '%s' created\n", *username)
}

func handleUpdateAccount(ctx context.Context) {
	fs := flag.NewFlagSet("accounts update", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Account to update (required)")
	password := fs.String("password", "", "New password (required)")
	fs.Parse(os.Args[3:])

	if *username == "" || *password == "" {
		fmt.Printf("Error: --username and --password are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	store, cleanup := mustOpenStore(ctx, *configPath)
	defer cleanup()

	if err := store.UpdateAccountPassword(ctx, *username, *password); err != nil {
		if err == consts.ErrUserNotFound {
			fatalf("account '%s' does not exist", *username)
		}
		fatalf("failed to update account: %v", err)
	}
	fmt.Printf("Password updated for '%s'\n", *username)
}

func handleDeleteAccount(ctx context.Context) {
	fs := flag.NewFlagSet("accounts delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Account to delete (required)")
	fs.Parse(os.Args[3:])

	if *username == "" {
		fmt.Printf("Error: --username is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	store, cleanup := mustOpenStore(ctx, *configPath)
	defer cleanup()

	if err := store.DeleteAccount(ctx, *username); err != nil {
		if err == consts.ErrUserNotFound {
			fatalf("account '%s' does not exist", *username)
		}
		fatalf("failed to delete account: %v", err)
	}
	fmt.Printf("Account '%s' deleted\n", *username)
}

func handleListAccounts(ctx context.Context) {
	fs := flag.NewFlagSet("accounts list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	store, cleanup := mustOpenStore(ctx, *configPath)
	defer cleanup()

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		fatalf("failed to list accounts: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tMESSAGES\tSIZE\tCREATED")
	for _, acc := range accounts {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
			acc.Username, acc.MessageCount, acc.TotalSize,
			acc.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func mustOpenStore(ctx context.Context, configPath string) (provider.AccountStore, func()) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("failed to open backend: %v", err)
	}
	return store, cleanup
}
