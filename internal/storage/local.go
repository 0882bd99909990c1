package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrS3NotConfigured is returned when remote delivery is attempted without
// S3 configuration.
var ErrS3NotConfigured = errors.New("S3 storage is not configured")

// ErrOutsideTempRoot is returned when a directory outside the temp root is
// passed to RemoveWorkDir.
var ErrOutsideTempRoot = errors.New("path is outside the temp root")

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage implements the Storage interface using local disk.
// Scratch directories live under a configurable temp root; remote delivery
// is unsupported unless wrapped by S3Storage.
type LocalStorage struct {
	tempDir string
}

// NewLocalStorage creates a new LocalStorage instance.
// If tempDir is empty, a "commentary" directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(tempDir string) (*LocalStorage, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "commentary")
	}

	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}

	return &LocalStorage{tempDir: tempDir}, nil
}

// TempDir returns the temp root path.
func (s *LocalStorage) TempDir() string {
	return s.tempDir
}

// NewWorkDir creates a fresh scratch directory for one job.
func (s *LocalStorage) NewWorkDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp(s.tempDir, prefix+"_*")
	if err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	return dir, nil
}

// RemoveWorkDir recursively deletes a scratch directory under the temp root.
func (s *LocalStorage) RemoveWorkDir(path string) error {
	rel, err := filepath.Rel(s.tempDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("remove %s: %w", path, ErrOutsideTempRoot)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove work directory: %w", err)
	}
	return nil
}

// SweepStale removes scratch directories older than the given age. Orphans
// accumulate when a previous process crashed mid-job; sweeping them bounds
// disk growth.
func (s *LocalStorage) SweepStale(olderThan time.Duration) int {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.tempDir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}

// Upload is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) Upload(_ context.Context, _ string, _ io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}
