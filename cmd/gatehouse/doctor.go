package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/relaymesh/gatehouse/pkg/config"
)

// runDoctor probes the pieces serve needs at startup and reports each
// result. It exits non-zero when any probe fails so it can gate
// deployments.
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", "", "path to a YAML configuration profile")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	failed := false
	report := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Fprintf(stdout, "FAIL %-12s %v\n", name, err)
			return
		}
		fmt.Fprintf(stdout, "ok   %s\n", name)
	}

	cfg, err := config.Load(*profile)
	report("config", err)
	if cfg == nil {
		return 1
	}

	report("logs-dir", probeLogsDir(cfg.LogsDir))
	report("store", probeStore(cfg))
	report("schema", probeFile(cfg.Validation.SchemaPath))
	report("edge-plugin", probeFile(cfg.Edge.Plugin))

	if failed {
		return 1
	}
	return 0
}

// probeLogsDir verifies the audit directory exists (creating it if
// needed) and is writable.
func probeLogsDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// probeStore opens and immediately closes the configured backend. For
// sqlite this also runs the migration, surfacing path problems before
// the service starts.
func probeStore(cfg *config.Config) error {
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	_ = st
	closeStore()
	return nil
}

// probeFile checks an optional path. Empty means the feature is off,
// which is healthy.
func probeFile(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", filepath.Base(path))
	}
	return nil
}
