package pipeline

import (
	"context"

	"github.com/mattjoyce/simrunner/internal/jobs"
)

// EchoPayload is any JSON object.
type EchoPayload map[string]any

// Echo returns its input unchanged. It is used to probe the dispatch path
// without touching the engine or storage.
func Echo(_ context.Context, in EchoPayload, _ *jobs.JobContext) (EchoPayload, error) {
	return in, nil
}

// RegisterAll registers every job type handled by simrunner.
func RegisterAll(reg *jobs.Registry, deps Deps) error {
	if err := jobs.RegisterTyped(reg, jobs.TypeModelRun, NewModelRun(deps).Run); err != nil {
		return err
	}
	return jobs.RegisterTyped(reg, jobs.TypeEcho, Echo)
}
