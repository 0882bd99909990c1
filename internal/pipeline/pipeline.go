// Package pipeline defines the stage contract the orchestrator sequences:
// acquire source media, generate commentary, deliver the result. Stages are
// opaque to the orchestrator; it only sees artifacts and typed failures.
package pipeline

import (
	"context"
	"fmt"
)

// Source identifies the input video for a job. Exactly one of URL or
// LocalPath is set; local files bypass the network fetch but produce the
// same artifact shape.
type Source struct {
	// URL is a remote video location.
	URL string
	// LocalPath is an already-downloaded file on local disk.
	LocalPath string
}

// Settings carries the caller's commentary preferences through the stages.
type Settings struct {
	// Style is the commentary style identifier (e.g. "documentary").
	Style string
	// Language is the commentary language code (e.g. "en").
	Language string
}

// Job is the per-run context handed to every stage.
type Job struct {
	// Source is the input video reference.
	Source Source
	// WorkDir is the scratch directory owned by this run. Stages write all
	// intermediate files here; the orchestrator deletes it afterwards.
	WorkDir string
	// Settings are the caller's commentary preferences.
	Settings Settings
}

// Artifact describes the output of a stage.
type Artifact struct {
	// Path is the local path of the produced file.
	Path string
	// Title is the video title, when known.
	Title string
	// Duration is the video duration in seconds, when known.
	Duration float64
	// Uploader is the original uploader, when known.
	Uploader string
	// Size is the file size in bytes.
	Size int64
	// URL is the delivery location once the artifact has been published.
	URL string
}

// Stage is one unit of the processing pipeline. Stages receive the artifact
// produced by the previous stage (nil for the first) and either produce a
// new artifact or fail.
type Stage interface {
	// Name identifies the stage in logs and failures.
	Name() string

	// Run executes the stage. Implementations must honor ctx cancellation
	// on long operations and confine all writes to job.WorkDir.
	Run(ctx context.Context, job *Job, in *Artifact) (*Artifact, error)
}

// StageError is the typed failure a stage surfaces to the orchestrator.
type StageError struct {
	// Stage is the name of the failing stage.
	Stage string
	// Reason is a short human-readable failure description.
	Reason string
	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Reason)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// failf builds a StageError for the given stage.
func failf(stage, reason string, err error) *StageError {
	return &StageError{Stage: stage, Reason: reason, Err: err}
}
