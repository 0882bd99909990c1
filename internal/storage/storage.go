// Package storage provides scratch-directory management for pipeline jobs and
// delivery of finished artifacts. It defines the Storage port with a local
// disk implementation and an S3-backed one for remote delivery.
package storage

import (
	"context"
	"io"
	"time"
)

// Storage manages per-job scratch directories and artifact delivery.
type Storage interface {
	// NewWorkDir creates a fresh scratch directory for one job under the
	// temp root and returns its path.
	NewWorkDir(prefix string) (path string, err error)

	// RemoveWorkDir recursively deletes a scratch directory. Only paths
	// under the temp root are accepted. Removing a directory that no
	// longer exists is not an error.
	RemoveWorkDir(path string) error

	// SweepStale removes scratch directories whose modification time is
	// older than the given age. It is best-effort: individual failures are
	// skipped. Returns the number of directories removed.
	SweepStale(olderThan time.Duration) (removed int)

	// Upload delivers artifact data to remote storage and returns its URL.
	// Returns ErrS3NotConfigured when no remote backend is available.
	Upload(ctx context.Context, key string, data io.Reader) (url string, err error)
}
