// Package pipeline implements the job handlers: the end-to-end model run
// and the echo job.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/simrunner/internal/metrics"
)

// Stage names a step of a model run. A run either reaches StageCleanedUp
// or fails at exactly one stage.
type Stage string

const (
	StageInitialized        Stage = "initialized"
	StageConfigResolved     Stage = "config_resolved"
	StageWorkspaceAllocated Stage = "workspace_allocated"
	StageEngineExecuted     Stage = "engine_executed"
	StageArtifactsRelocated Stage = "artifacts_relocated"
	StageArtifactsGenerated Stage = "artifacts_generated"
	StageUploaded           Stage = "uploaded"
	StageCleanedUp          Stage = "cleaned_up"
)

// ErrUnknownDataPackage is returned when a payload names a data package that
// is not configured.
var ErrUnknownDataPackage = errors.New("unknown data package")

// StageError is the terminal failure of a run, tagged with the stage at
// which it occurred.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage extracts the failing stage from err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

type stageRunner struct {
	jobType string
	logger  *slog.Logger
}

// run executes fn as stage. Start, duration and outcome are logged and the
// duration is recorded before any error is returned.
func (r stageRunner) run(stage Stage, fn func() error) error {
	r.logger.Info("stage started", "stage", stage)
	start := time.Now()

	err := fn()

	elapsed := time.Since(start)
	outcome := metrics.Outcome(err)
	metrics.StageDuration.WithLabelValues(r.jobType, string(stage), outcome).Observe(elapsed.Seconds())

	if err != nil {
		r.logger.Error("stage finished",
			"stage", stage,
			"duration_ms", elapsed.Milliseconds(),
			"outcome", outcome,
			"error", err,
		)
		return &StageError{Stage: stage, Err: err}
	}
	r.logger.Info("stage finished",
		"stage", stage,
		"duration_ms", elapsed.Milliseconds(),
		"outcome", outcome,
	)
	return nil
}
