// Package archive ships the pipeline's JSONL audit files to a blob
// store. Objects are content-addressed by SHA-256, so re-exporting an
// unchanged file is a no-op and exported archives can be de-duplicated
// downstream.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaymesh/gatehouse/pkg/audit"
)

// Sink stores an immutable blob under its content hash.
type Sink interface {
	// Put persists data and returns its "sha256:"-prefixed content hash.
	// Storing the same bytes twice is idempotent.
	Put(ctx context.Context, data []byte) (string, error)
	// Exists reports whether a blob with the given hash is stored.
	Exists(ctx context.Context, hash string) (bool, error)
}

// Config selects and parameterizes the sink backend.
type Config struct {
	Backend  string // dir | s3 | gcs
	Dir      string
	Bucket   string
	Prefix   string
	Endpoint string // custom S3 endpoint, e.g. MinIO
}

// NewSink builds the configured sink. GCS requires a build with the gcp
// tag.
func NewSink(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Backend {
	case "", "dir":
		return NewDirSink(cfg.Dir)
	case "s3":
		return NewS3Sink(ctx, cfg)
	case "gcs":
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
}

// Entry is one line of the export manifest.
type Entry struct {
	File  string `json:"file"`
	Hash  string `json:"hash"`
	Bytes int    `json:"bytes"`
	Lines int    `json:"lines"`
}

// Export ships every pipeline audit file present in logsDir. Files that
// do not exist yet are skipped; a partial final line is preserved
// verbatim, since the archive must not lose the byte evidence of a
// crashed write.
func Export(ctx context.Context, logsDir string, sink Sink) ([]Entry, error) {
	var entries []Entry
	for _, name := range []string{
		audit.RejectionsFile,
		audit.GuardFile,
		audit.LoaderFile,
		audit.GateFile,
	} {
		path := filepath.Join(logsDir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return entries, fmt.Errorf("archive: read %s: %w", path, err)
		}

		hash, err := sink.Put(ctx, data)
		if err != nil {
			return entries, fmt.Errorf("archive: store %s: %w", name, err)
		}

		lines, err := audit.ReadFile(path)
		if err != nil {
			return entries, fmt.Errorf("archive: count %s: %w", path, err)
		}
		entries = append(entries, Entry{
			File:  name,
			Hash:  hash,
			Bytes: len(data),
			Lines: len(lines),
		})
	}
	return entries, nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// rawHash strips the "sha256:" prefix and validates the hex remainder.
func rawHash(hash string) (string, error) {
	if len(hash) < 8 || hash[:7] != "sha256:" {
		return "", fmt.Errorf("archive: invalid hash format: %s", hash)
	}
	raw := hash[7:]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("archive: invalid hash hex: %w", err)
	}
	return raw, nil
}
