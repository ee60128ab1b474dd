package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"

	"github.com/pelicanmail/pelican/consts"
)

func handleImportCommand(ctx context.Context) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Account to deliver into (required)")
	path := fs.String("path", "", "An .eml file or a directory of .eml files (required)")
	dryRun := fs.Bool("dry-run", false, "Parse and report without delivering")
	fs.Usage = func() {
		fmt.Printf(`Deliver .eml files into a user's mailbox

Usage:
  pelican-admin import [options]

Options:
  --config string    Path to TOML configuration file (default "config.toml")
  --username string  Account to deliver into (required)
  --path string      An .eml file or a directory of .eml files (required)
  --dry-run          Parse and report without delivering

Examples:
  pelican-admin import --username user --path message.eml
  pelican-admin import --username user --path ./maildir-export/
`)
	}
	fs.Parse(os.Args[2:])

	if *username == "" || *path == "" {
		fmt.Printf("Error: --username and --path are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	files, err := collectEmlFiles(*path)
	if err != nil {
		fatalf("%v", err)
	}
	if len(files) == 0 {
		fatalf("no .eml files found under %s", *path)
	}

	store, cleanup := mustOpenStore(ctx, *configPath)
	defer cleanup()

	imported, skipped := 0, 0
	for _, file := range files {
		body, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", file, err)
			skipped++
			continue
		}

		subject, err := parseMessage(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: not a valid message: %v\n", file, err)
			skipped++
			continue
		}

		if *dryRun {
			fmt.Printf("would import %s (%q)\n", file, subject)
			imported++
			continue
		}

		uid, err := store.InsertMessage(ctx, *username, body)
		if err != nil {
			if err == consts.ErrUserNotFound {
				fatalf("account '%s' does not exist", *username)
			}
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", file, err)
			skipped++
			continue
		}
		fmt.Printf("imported %s as UID:%s\n", file, uid)
		imported++
	}

	fmt.Printf("%d imported, %d skipped\n", imported, skipped)
	if skipped > 0 {
		os.Exit(1)
	}
}

// collectEmlFiles accepts a single file of any extension, or walks a
// directory picking up .eml files only.
func collectEmlFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ".eml") {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// parseMessage validates the RFC822 structure and returns the subject.
// Unknown charsets are tolerated; the body is delivered verbatim either way.
func parseMessage(body []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", err
	}
	return entity.Header.Get("Subject"), nil
}
