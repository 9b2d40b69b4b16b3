package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/relaymesh/gatehouse/pkg/archive"
	"github.com/relaymesh/gatehouse/pkg/config"
)

// runExport ships the audit JSONL files to the configured archive sink
// and prints one manifest entry per exported file to stdout.
func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", "", "path to a YAML configuration profile")
	logsDir := fs.String("logs-dir", "", "audit log directory (default from config)")
	backend := fs.String("backend", "", "archive backend: dir, s3 or gcs (default from config)")
	dir := fs.String("dir", "", "target directory for the dir backend")
	bucket := fs.String("bucket", "", "bucket name for the s3/gcs backends")
	prefix := fs.String("prefix", "", "object key prefix")
	endpoint := fs.String("endpoint", "", "custom S3 endpoint, e.g. a MinIO address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*profile)
	if err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return 1
	}
	if *logsDir == "" {
		*logsDir = cfg.LogsDir
	}
	acfg := archive.Config{
		Backend:  cfg.Archive.Backend,
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Prefix:   cfg.Archive.Prefix,
		Endpoint: cfg.Archive.Endpoint,
	}
	// Flags override the profile, matching the env-over-profile layering.
	if *backend != "" {
		acfg.Backend = *backend
	}
	if *dir != "" {
		acfg.Dir = *dir
	}
	if *bucket != "" {
		acfg.Bucket = *bucket
	}
	if *prefix != "" {
		acfg.Prefix = *prefix
	}
	if *endpoint != "" {
		acfg.Endpoint = *endpoint
	}

	ctx := context.Background()
	sink, err := archive.NewSink(ctx, acfg)
	if err != nil {
		fmt.Fprintf(stderr, "archive: %v\n", err)
		return 1
	}

	entries, err := archive.Export(ctx, *logsDir, sink)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			fmt.Fprintf(stderr, "export: %v\n", err)
			return 1
		}
	}
	if len(entries) == 0 {
		fmt.Fprintln(stderr, "export: no audit files found")
	}
	return 0
}
