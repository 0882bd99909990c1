// Package orchestrator owns the single-flight pipeline execution: it admits
// at most one job at a time, reclaims jobs that appear stuck, sequences the
// pipeline stages, reports consumption back to the quota authority, and
// guarantees scratch-space cleanup on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkvid/commentary-api/internal/clock"
	"github.com/mkvid/commentary-api/internal/pipeline"
	"github.com/mkvid/commentary-api/internal/quota"
	"github.com/mkvid/commentary-api/internal/storage"
)

// State represents the orchestrator's single-flight slot.
type State string

const (
	// StateIdle means no job is in flight.
	StateIdle State = "IDLE"
	// StateAdmitted means a job holds the slot but stages have not started.
	StateAdmitted State = "ADMITTED"
	// StateRunning means stages are executing.
	StateRunning State = "RUNNING"
	// StateSucceeded means the last stage completed; transient until reset.
	StateSucceeded State = "SUCCEEDED"
	// StateFailed means a stage failed; transient until reset.
	StateFailed State = "FAILED"
)

// DefaultStaleAfter is how long a running job may hold the slot before the
// next admission attempt presumes it dead and reclaims it.
const DefaultStaleAfter = 300 * time.Second

// DefaultSweepAge is the age past which orphaned scratch directories from
// earlier crashed processes are swept.
const DefaultSweepAge = time.Hour

// ErrBusy is returned when a job is already running and not yet stale.
// Callers are expected to retry later; submissions are never queued.
var ErrBusy = errors.New("orchestrator: a job is already in progress, please wait")

// RejectedError reports a quota policy rejection at admission time.
type RejectedError struct {
	// Reason is the policy rejection reason.
	Reason quota.Reason
}

// Error returns the human-readable rejection message.
func (e *RejectedError) Error() string {
	return e.Reason.Message()
}

// Submission describes one requested pipeline run.
type Submission struct {
	// Username is the submitting user's identifier.
	Username string
	// Code is the access code presented with the submission.
	Code string
	// Source is the input video reference.
	Source pipeline.Source
	// Settings are the commentary preferences.
	Settings pipeline.Settings
}

// Result describes a completed pipeline run.
type Result struct {
	// Artifact is the delivered output.
	Artifact pipeline.Artifact
	// Remaining is the quota left after this run.
	// ledger.UnlimitedUses when no limit applies.
	Remaining int
}

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	// State is the current slot state.
	State State `json:"state"`
	// Username is the owner of the in-flight job, if any.
	Username string `json:"username,omitempty"`
	// StartedAt is when the in-flight job started, if any.
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Orchestrator drives submissions through the pipeline one at a time.
type Orchestrator struct {
	authority *quota.Authority
	store     storage.Storage
	stages    []pipeline.Stage
	clk       clock.Clock
	logger    *slog.Logger

	staleAfter time.Duration
	sweepAge   time.Duration

	mu        sync.Mutex
	state     State
	username  string
	startedAt time.Time
	workDir   string
	// token identifies the job that currently holds the slot. A stale
	// force-reset bumps it so the reclaimed job's deferred cleanup cannot
	// clobber the state of a job admitted afterwards.
	token uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStaleAfter overrides the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.staleAfter = d
	}
}

// WithSweepAge overrides the orphan-directory sweep age.
func WithSweepAge(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.sweepAge = d
	}
}

// WithClock injects a clock, letting tests advance time deterministically.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clk = c
	}
}

// New creates an Orchestrator that runs the given stages in order.
func New(authority *quota.Authority, store storage.Storage, stages []pipeline.Stage, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		authority:  authority,
		store:      store,
		stages:     stages,
		clk:        clock.System{},
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		sweepAge:   DefaultSweepAge,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns a snapshot of the orchestrator state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{State: o.state, Username: o.username, StartedAt: o.startedAt}
}

// Submit runs the full pipeline for one submission.
//
// Admission consults the quota authority first, then takes the single-flight
// slot: refused with ErrBusy while another job is running, unless that job
// has held the slot past the staleness threshold, in which case it is
// forcibly reclaimed. Consumption is recorded only after the last stage
// succeeds and never for admin users. The job's scratch directory is removed
// on success, failure and panic alike.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*Result, error) {
	decision, err := o.authority.Validate(ctx, sub.Username, sub.Code)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	if !decision.Accepted {
		return nil, &RejectedError{Reason: decision.Reason}
	}

	token, err := o.admit(sub.Username)
	if err != nil {
		return nil, err
	}

	workDir, err := o.store.NewWorkDir("job")
	if err != nil {
		o.finish(token, StateFailed)
		return nil, fmt.Errorf("submit: %w", err)
	}
	o.setWorkDir(token, workDir)

	final := StateFailed
	defer func() {
		o.cleanup(workDir)
		o.finish(token, final)
	}()

	artifact, runErr := o.runStages(ctx, &pipeline.Job{
		Source:   sub.Source,
		WorkDir:  workDir,
		Settings: sub.Settings,
	})
	if runErr != nil {
		o.logger.Error("pipeline failed",
			slog.String("username", sub.Username),
			slog.String("error", runErr.Error()),
		)
		return nil, runErr
	}
	final = StateSucceeded

	remaining := decision.Remaining
	if o.authority.IsAdmin(ctx, sub.Username) {
		// Admins are unmetered.
		return &Result{Artifact: *artifact, Remaining: remaining}, nil
	}

	if err := o.authority.RecordConsumption(ctx, sub.Username); err == nil && remaining > 0 {
		remaining--
	}

	o.logger.Info("pipeline succeeded",
		slog.String("username", sub.Username),
		slog.String("artifact", artifact.Path),
		slog.Int("remaining", remaining),
	)
	return &Result{Artifact: *artifact, Remaining: remaining}, nil
}

// admit takes the single-flight slot, reclaiming it first when the current
// holder has gone stale. Returns the job token on success.
func (o *Orchestrator) admit(username string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		if o.clk.Now().Sub(o.startedAt) <= o.staleAfter {
			return 0, ErrBusy
		}
		o.forceResetLocked()
	}

	o.token++
	o.state = StateAdmitted
	o.username = username
	o.startedAt = o.clk.Now()
	o.workDir = ""
	return o.token, nil
}

// forceResetLocked reclaims the slot from a presumed-dead job.
// Callers must hold mu.
func (o *Orchestrator) forceResetLocked() {
	o.logger.Warn("reclaiming stale job",
		slog.String("username", o.username),
		slog.Time("started_at", o.startedAt),
		slog.Duration("stale_after", o.staleAfter),
	)
	if o.workDir != "" {
		if err := o.store.RemoveWorkDir(o.workDir); err != nil {
			o.logger.Warn("failed to remove stale work directory",
				slog.String("path", o.workDir),
				slog.String("error", err.Error()),
			)
		}
	}
	// Invalidate the reclaimed job's token so its deferred finish no-ops.
	o.token++
	o.state = StateIdle
	o.username = ""
	o.startedAt = time.Time{}
	o.workDir = ""
}

// setWorkDir records the scratch directory of the job holding the slot.
func (o *Orchestrator) setWorkDir(token uint64, workDir string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.token == token {
		o.workDir = workDir
	}
}

// finish releases the slot, passing through the terminal state before Idle.
// A job that lost the slot to a stale reclaim leaves the new holder alone.
func (o *Orchestrator) finish(token uint64, terminal State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.token != token {
		return
	}
	o.logger.Info("job finished",
		slog.String("username", o.username),
		slog.String("state", string(terminal)),
	)
	o.state = StateIdle
	o.username = ""
	o.startedAt = time.Time{}
	o.workDir = ""
}

// runStages executes the stages in order, transitioning the slot to Running
// and failing fast on the first error. A panicking stage is contained and
// reported as a stage failure.
func (o *Orchestrator) runStages(ctx context.Context, job *pipeline.Job) (artifact *pipeline.Artifact, err error) {
	o.mu.Lock()
	o.state = StateRunning
	o.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = &pipeline.StageError{
				Stage:  "pipeline",
				Reason: fmt.Sprintf("unexpected fault: %v", r),
			}
		}
	}()

	for _, stage := range o.stages {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &pipeline.StageError{Stage: stage.Name(), Reason: "cancelled", Err: ctxErr}
		}

		o.logger.Info("running stage", slog.String("stage", stage.Name()))
		artifact, err = stage.Run(ctx, job, artifact)
		if err != nil {
			var stageErr *pipeline.StageError
			if errors.As(err, &stageErr) {
				return nil, stageErr
			}
			return nil, &pipeline.StageError{Stage: stage.Name(), Reason: "stage failed", Err: err}
		}
	}
	return artifact, nil
}

// cleanup removes the job's scratch directory and opportunistically sweeps
// orphans left behind by earlier crashed processes.
func (o *Orchestrator) cleanup(workDir string) {
	if err := o.store.RemoveWorkDir(workDir); err != nil {
		o.logger.Warn("failed to remove work directory",
			slog.String("path", workDir),
			slog.String("error", err.Error()),
		)
	}
	if removed := o.store.SweepStale(o.sweepAge); removed > 0 {
		o.logger.Info("swept stale work directories", slog.Int("removed", removed))
	}
}
