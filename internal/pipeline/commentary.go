package pipeline

import (
	"context"
	"os"

	"github.com/mkvid/commentary-api/internal/generator"
)

// commentaryStageName identifies the transform stage.
const commentaryStageName = "generate"

// Compile-time check that CommentaryStage implements Stage.
var _ Stage = (*CommentaryStage)(nil)

// CommentaryStage produces the commentated video by delegating to an opaque
// generation backend.
type CommentaryStage struct {
	gen generator.Generator
}

// NewCommentaryStage creates the transform stage.
func NewCommentaryStage(gen generator.Generator) *CommentaryStage {
	return &CommentaryStage{gen: gen}
}

// Name identifies the stage.
func (s *CommentaryStage) Name() string { return commentaryStageName }

// Run generates commentary for the acquired source video.
func (s *CommentaryStage) Run(ctx context.Context, job *Job, in *Artifact) (*Artifact, error) {
	if in == nil {
		return nil, failf(commentaryStageName, "no source artifact", nil)
	}

	result, err := s.gen.Generate(ctx, generator.Request{
		VideoPath: in.Path,
		WorkDir:   job.WorkDir,
		Style:     job.Settings.Style,
		Language:  job.Settings.Language,
	})
	if err != nil {
		return nil, failf(commentaryStageName, "commentary generation", err)
	}

	out := &Artifact{
		Path:     result.VideoPath,
		Title:    in.Title,
		Duration: in.Duration,
		Uploader: in.Uploader,
	}
	if info, err := os.Stat(result.VideoPath); err == nil {
		out.Size = info.Size()
	}
	return out, nil
}
