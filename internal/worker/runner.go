package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mattjoyce/simrunner/internal/config"
	"github.com/mattjoyce/simrunner/internal/controlplane"
	"github.com/mattjoyce/simrunner/internal/jobs"
	"github.com/mattjoyce/simrunner/internal/log"
	"github.com/mattjoyce/simrunner/internal/objectstore"
	"github.com/mattjoyce/simrunner/internal/pipeline"
	"github.com/mattjoyce/simrunner/internal/runlog"
)

// Ledger records run lifecycles.
type Ledger interface {
	Start(ctx context.Context, jobID, assignmentID, jobType string) (string, error)
	Complete(ctx context.Context, runID string, c runlog.Completion) error
}

// Runner executes one assignment: dispatch, record, report.
type Runner struct {
	Dispatcher *jobs.Dispatcher
	Config     *config.Config
	// Ledger is optional.
	Ledger   Ledger
	Reporter controlplane.Client
}

// Outcome is the result of one execution.
type Outcome struct {
	RunID  string
	Output json.RawMessage
	Err    error
}

// Execute runs job with a fresh JobContext. Failures are recorded and
// reported, and also returned in Outcome.Err.
func (r *Runner) Execute(ctx context.Context, job jobs.Job, asg jobs.Assignment) Outcome {
	logger := log.WithJob(job.ID).With("assignment_id", asg.ID, "job_type", string(job.Type))
	start := time.Now()

	var runID string
	if r.Ledger != nil {
		id, err := r.Ledger.Start(ctx, job.ID, asg.ID, string(job.Type))
		if err != nil {
			logger.Warn("failed to record run start", "error", err)
		}
		runID = id
	}

	jc := &jobs.JobContext{
		Config:     r.Config,
		Job:        job,
		Assignment: asg,
		API:        r.reporter(),
		Storage:    r.storageFor(asg.StorageURI, logger),
		EngineMeta: make(map[string]string),
		Logger:     logger,
	}

	out, err := r.Dispatcher.DispatchJSON(ctx, job.Type, job.Payload, jc)

	report := controlplane.Report{
		AssignmentID: asg.ID,
		JobID:        job.ID,
		Status:       controlplane.StatusSucceeded,
		Output:       out,
	}
	completion := runlog.Completion{Status: runlog.StatusSucceeded, Output: out}
	if err != nil {
		stage, _ := pipeline.FailedStage(err)
		report.Status = controlplane.StatusFailed
		report.FailedStage = string(stage)
		report.Error = err.Error()
		completion = runlog.Completion{
			Status:      runlog.StatusFailed,
			FailedStage: string(stage),
			Error:       err.Error(),
		}
	}

	// Recorded and reported even when ctx is already cancelled.
	bctx := context.WithoutCancel(ctx)
	if r.Ledger != nil && runID != "" {
		if cerr := r.Ledger.Complete(bctx, runID, completion); cerr != nil {
			logger.Warn("failed to record run completion", "run_id", runID, "error", cerr)
		}
	}
	if asg.ID != "" {
		if rerr := r.reporter().ReportResult(bctx, report); rerr != nil {
			logger.Error("failed to report result", "error", rerr)
		}
	}

	logger.Info("job finished",
		"run_id", runID,
		"status", report.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Outcome{RunID: runID, Output: out, Err: err}
}

func (r *Runner) reporter() controlplane.Client {
	if r.Reporter == nil {
		return controlplane.Nop{}
	}
	return r.Reporter
}

// storageFor returns nil when uri has no usable client; the upload stage
// then fails the job with an upload error.
func (r *Runner) storageFor(uri string, logger *slog.Logger) objectstore.Client {
	if uri == "" {
		return nil
	}
	var opts objectstore.Options
	if r.Config != nil {
		st := r.Config.Storage
		opts = objectstore.Options{
			Token:   st.Token,
			Timeout: st.Timeout,
			S3: objectstore.S3Options{
				Endpoint:  st.S3.Endpoint,
				Region:    st.S3.Region,
				AccessKey: st.S3.AccessKey,
				SecretKey: st.S3.SecretKey,
				Insecure:  st.S3.Insecure,
			},
		}
	}
	client, err := objectstore.ForURI(uri, opts)
	if err != nil {
		logger.Warn("no storage client for destination", "storage_uri", uri, "error", err)
		return nil
	}
	return client
}
