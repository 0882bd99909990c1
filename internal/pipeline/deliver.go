package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mkvid/commentary-api/internal/storage"
)

// deliverStageName identifies the delivery stage.
const deliverStageName = "deliver"

// Compile-time check that DeliverStage implements Stage.
var _ Stage = (*DeliverStage)(nil)

// DeliverStage publishes the finished video: uploaded to remote storage when
// configured, otherwise moved to the local output directory. Either way the
// artifact leaves the job work directory so cleanup cannot destroy it.
type DeliverStage struct {
	store     storage.Storage
	outputDir string
}

// NewDeliverStage creates the delivery stage. Local deliveries land in
// outputDir, which is created on first use.
func NewDeliverStage(store storage.Storage, outputDir string) *DeliverStage {
	return &DeliverStage{store: store, outputDir: outputDir}
}

// Name identifies the stage.
func (s *DeliverStage) Name() string { return deliverStageName }

// Run publishes the commentated video and returns the final artifact.
func (s *DeliverStage) Run(ctx context.Context, _ *Job, in *Artifact) (*Artifact, error) {
	if in == nil {
		return nil, failf(deliverStageName, "no artifact to deliver", nil)
	}

	name := fmt.Sprintf("%s_%s.mp4", time.Now().Format("20060102_150405"), in.Title)

	f, err := os.Open(in.Path) // #nosec G304 - path is under the job work dir
	if err != nil {
		return nil, failf(deliverStageName, "open artifact", err)
	}
	defer func() { _ = f.Close() }()

	url, err := s.store.Upload(ctx, "outputs/"+name, f)
	switch {
	case err == nil:
		out := *in
		out.URL = url
		return &out, nil
	case errors.Is(err, storage.ErrS3NotConfigured):
		return s.deliverLocal(in, name)
	default:
		return nil, failf(deliverStageName, "upload artifact", err)
	}
}

// deliverLocal copies the artifact into the local output directory.
func (s *DeliverStage) deliverLocal(in *Artifact, name string) (*Artifact, error) {
	if err := os.MkdirAll(s.outputDir, 0750); err != nil {
		return nil, failf(deliverStageName, "create output directory", err)
	}

	destPath := filepath.Join(s.outputDir, name)
	src, err := os.Open(in.Path) // #nosec G304 - path is under the job work dir
	if err != nil {
		return nil, failf(deliverStageName, "open artifact", err)
	}
	defer func() { _ = src.Close() }()

	if _, err := writeFile(destPath, src); err != nil {
		return nil, failf(deliverStageName, "copy artifact", err)
	}

	out := *in
	out.Path = destPath
	return &out, nil
}
