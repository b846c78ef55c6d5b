package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/mattjoyce/simrunner/internal/artifact"
	"github.com/mattjoyce/simrunner/internal/engine"
	"github.com/mattjoyce/simrunner/internal/jobs"
	"github.com/mattjoyce/simrunner/internal/log"
	"github.com/mattjoyce/simrunner/internal/metrics"
	"github.com/mattjoyce/simrunner/internal/objectstore"
	"github.com/mattjoyce/simrunner/internal/protocol"
	"github.com/mattjoyce/simrunner/internal/relocate"
	"github.com/mattjoyce/simrunner/internal/workspace"
)

// Built-in artifact titles and files.
const (
	ChecksumsArtifact = "checksums"
	ChecksumsFile     = "checksums.blake3"
	SummaryArtifact   = "summary"
	SummaryFile       = "summary.json"
)

// ModelRunInput is the payload of a MODEL_RUN job.
type ModelRunInput struct {
	DataPackage string         `json:"data_package"`
	Scenarios   int            `json:"scenarios,omitempty"`
	Seed        *int64         `json:"seed,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Label       string         `json:"label,omitempty"`
}

// Validate implements jobs.Validator.
func (in ModelRunInput) Validate() error {
	if in.DataPackage == "" {
		return errors.New("data_package is required")
	}
	if in.Scenarios < 0 {
		return fmt.Errorf("scenarios must be >= 0, got %d", in.Scenarios)
	}
	return nil
}

// Workspaces allocates and releases per-job scratch trees.
type Workspaces interface {
	Allocate(baseDir, prefix string) (workspace.Workspace, error)
	Teardown(path string, verbose bool) bool
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Engine     engine.Engine
	Workspaces Workspaces
}

// ModelRun executes simulation jobs end to end.
type ModelRun struct {
	engine     engine.Engine
	workspaces Workspaces
}

// NewModelRun creates the MODEL_RUN handler. A nil Workspaces uses the
// default workspace manager.
func NewModelRun(deps Deps) *ModelRun {
	ws := deps.Workspaces
	if ws == nil {
		ws = workspace.NewManager()
	}
	return &ModelRun{engine: deps.Engine, workspaces: ws}
}

// Run executes one model run. Stages run strictly in order and the
// workspace is torn down on every exit path once it has been allocated.
func (m *ModelRun) Run(ctx context.Context, in ModelRunInput, jc *jobs.JobContext) (jobs.Output, error) {
	logger := jobLogger(jc)
	stages := stageRunner{jobType: string(jobs.TypeModelRun), logger: logger}

	if err := stages.run(StageInitialized, func() error {
		return m.checkContext(jc)
	}); err != nil {
		return jobs.Output{}, err
	}
	cfg := jc.Config

	var dataPath string
	if err := stages.run(StageConfigResolved, func() error {
		p, ok := cfg.DataPackagePath(in.DataPackage)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownDataPackage, in.DataPackage)
		}
		dataPath = p
		return nil
	}); err != nil {
		return jobs.Output{}, err
	}

	var ws workspace.Workspace
	if err := stages.run(StageWorkspaceAllocated, func() error {
		var allocErr error
		ws, allocErr = m.workspaces.Allocate(cfg.Workspace.BaseDir, cfg.Workspace.Prefix)
		return allocErr
	}); err != nil {
		return jobs.Output{}, err
	}
	defer m.cleanup(stages, ws)

	outputEnv := cfg.Engine.OutputEnv
	env := engine.Env{outputEnv: ws.Work}
	if err := stages.run(StageEngineExecuted, func() error {
		req := &protocol.Request{
			Protocol:    protocol.Version,
			JobID:       jc.Job.ID,
			Command:     protocol.CommandRun,
			DataPackage: protocol.DataPackage{Name: in.DataPackage, Path: dataPath},
			Scenarios:   in.Scenarios,
			Seed:        in.Seed,
			Parameters:  in.Parameters,
			OutputDir:   ws.Work,
		}
		resp, runErr := m.engine.Run(context.WithoutCancel(ctx), req, env)
		if resp != nil && len(resp.Metadata) > 0 {
			if jc.EngineMeta == nil {
				jc.EngineMeta = make(map[string]string, len(resp.Metadata))
			}
			maps.Copy(jc.EngineMeta, resp.Metadata)
		}
		return runErr
	}); err != nil {
		return jobs.Output{}, err
	}

	var resultDir string
	if err := stages.run(StageArtifactsRelocated, func() error {
		var relErr error
		resultDir, relErr = relocate.Relocate(env[outputEnv], ws.Upload, cfg.Engine.ResultName)
		return relErr
	}); err != nil {
		return jobs.Output{}, err
	}

	var produced artifact.Result
	_ = stages.run(StageArtifactsGenerated, func() error {
		agg := artifact.Aggregator{Concurrency: cfg.Artifacts.Concurrency, Logger: logger}
		produced = agg.RunAll(ctx, m.artifactTasks(in, jc, resultDir, ws.Upload))
		return nil
	})

	if err := stages.run(StageUploaded, func() error {
		report, upErr := objectstore.Upload(ctx, jc.Storage, ws.Upload, jc.Assignment.StorageURI)
		if upErr == nil {
			logger.Info("workspace uploaded",
				"destination", report.Destination,
				"objects", report.Objects,
				"bytes", report.Bytes,
			)
		}
		return upErr
	}); err != nil {
		return jobs.Output{}, err
	}

	return jobs.Output{
		ResultLocation:   objectstore.Location(jc.Assignment.StorageURI, cfg.Engine.ResultName),
		Artifacts:        produced.Files,
		ArtifactMetadata: produced.Metadata,
	}, nil
}

func (m *ModelRun) checkContext(jc *jobs.JobContext) error {
	switch {
	case jc == nil:
		return errors.New("job context is nil")
	case jc.Config == nil:
		return errors.New("job context has no configuration")
	case m.engine == nil:
		return errors.New("no engine configured")
	case jc.Assignment.StorageURI == "":
		return errors.New("assignment has no storage destination")
	}
	return nil
}

func (m *ModelRun) artifactTasks(in ModelRunInput, jc *jobs.JobContext, resultDir, outDir string) []artifact.Task {
	summary := artifact.Summary{
		JobID:        jc.Job.ID,
		AssignmentID: jc.Assignment.ID,
		JobType:      string(jobs.TypeModelRun),
		DataPackage:  in.DataPackage,
		Engine:       maps.Clone(jc.EngineMeta),
	}
	tasks := []artifact.Task{
		{
			Name:        ChecksumsArtifact,
			Label:       "Result checksums",
			Description: "BLAKE3 digest of every result file",
			Produce:     artifact.ChecksumManifest(resultDir, outDir, ChecksumsFile),
		},
		{
			Name:        SummaryArtifact,
			Label:       "Run summary",
			Description: "Job, data package and engine details",
			Produce:     artifact.RunSummary(summary, resultDir, outDir, SummaryFile),
		},
	}
	return append(tasks, artifact.RenderTasks(jc.Config.Artifacts.Renders, resultDir, outDir)...)
}

// cleanup tears the workspace down. Its result is logged and counted but
// never changes the outcome of the run.
func (m *ModelRun) cleanup(stages stageRunner, ws workspace.Workspace) {
	_ = stages.run(StageCleanedUp, func() error {
		if !m.workspaces.Teardown(ws.Root, false) {
			metrics.TeardownsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			return fmt.Errorf("%w: %s", workspace.ErrCleanup, ws.Root)
		}
		metrics.TeardownsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
		return nil
	})
}

func jobLogger(jc *jobs.JobContext) *slog.Logger {
	if jc == nil {
		return log.WithComponent("pipeline")
	}
	if jc.Logger != nil {
		return jc.Logger.With("component", "pipeline")
	}
	return log.WithJob(jc.Job.ID).With("component", "pipeline")
}
