package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func handleS3Command(ctx context.Context) {
	if len(os.Args) < 3 {
		printS3Usage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "scan-orphans":
		handleS3ScanOrphans(ctx)
	case "help", "--help", "-h":
		printS3Usage()
	default:
		fmt.Printf("Unknown s3 subcommand: %s\n\n", os.Args[2])
		printS3Usage()
		os.Exit(1)
	}
}

func printS3Usage() {
	fmt.Printf(`Blob store maintenance

Usage:
  pelican-admin s3 <subcommand> [options]

Subcommands:
  scan-orphans    Find blobs no message references (optionally delete them)

Examples:
  pelican-admin s3 scan-orphans
  pelican-admin s3 scan-orphans --delete
`)
}

// handleS3ScanOrphans lists every stored blob and reports those whose
// content hash no message references. Blob deletion after the last
// reference drop is best effort, so orphans can accumulate after crashes.
func handleS3ScanOrphans(ctx context.Context) {
	fs := flag.NewFlagSet("s3 scan-orphans", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	doDelete := fs.Bool("delete", false, "Delete the orphaned blobs")
	fs.Parse(os.Args[3:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		fatalf("failed to open blob store: %v", err)
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("failed to open backend: %v", err)
	}
	defer cleanup()

	hashes, err := store.ListContentHashes(ctx)
	if err != nil {
		fatalf("failed to list referenced hashes: %v", err)
	}
	referenced := make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		referenced[hash] = struct{}{}
	}

	objectCh, errCh := blobs.List(ctx)
	scanned, orphans := 0, 0
	var totalSize int64
	for object := range objectCh {
		scanned++
		if _, ok := referenced[object.Hash]; ok {
			continue
		}
		orphans++
		totalSize += object.Size
		if *doDelete {
			if err := blobs.Delete(ctx, object.Hash); err != nil {
				fmt.Fprintf(os.Stderr, "failed to delete %s: %v\n", object.Hash, err)
				continue
			}
			fmt.Printf("deleted %s (%d bytes)\n", object.Hash, object.Size)
		} else {
			fmt.Printf("orphan %s (%d bytes, modified %s)\n",
				object.Hash, object.Size, object.LastModified.Format("2006-01-02 15:04:05"))
		}
	}
	if err := <-errCh; err != nil {
		fatalf("listing failed after %d objects: %v", scanned, err)
	}

	fmt.Printf("%d objects scanned, %d orphans (%d bytes)\n", scanned, orphans, totalSize)
	if orphans > 0 && !*doDelete {
		fmt.Println("Run again with --delete to remove them.")
	}
}
