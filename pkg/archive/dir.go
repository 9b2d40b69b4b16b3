package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DirSink is the filesystem backend: blobs land as <hash>.jsonl under a
// base directory, written via temp-file rename so a crash never leaves a
// half-written object.
type DirSink struct {
	baseDir string
	mu      sync.Mutex
}

// NewDirSink creates the base directory if needed.
func NewDirSink(baseDir string) (*DirSink, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir %s: %w", baseDir, err)
	}
	return &DirSink{baseDir: baseDir}, nil
}

func (s *DirSink) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := contentHash(data)
	raw, _ := rawHash(hash)
	path := filepath.Join(s.baseDir, raw+".jsonl")

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return hash, nil
}

func (s *DirSink) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, raw+".jsonl"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat blob: %w", err)
}
