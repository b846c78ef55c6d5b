// Package jobs maps job types to handlers and dispatches typed payloads to
// them.
package jobs

import (
	"encoding/json"
	"log/slog"

	"github.com/mattjoyce/simrunner/internal/artifact"
	"github.com/mattjoyce/simrunner/internal/config"
	"github.com/mattjoyce/simrunner/internal/controlplane"
	"github.com/mattjoyce/simrunner/internal/objectstore"
)

// JobType identifies a kind of work.
type JobType string

// Known job types.
const (
	TypeModelRun JobType = "MODEL_RUN"
	TypeEcho     JobType = "ECHO"
)

// Job is a unit of work as received from the control plane. Payload stays
// opaque until it is coerced into the registered input shape.
type Job struct {
	ID      string          `json:"id"`
	Type    JobType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Assignment links a job to the place its result must be stored.
type Assignment struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	StorageURI string `json:"storage_uri"`
}

// JobContext is everything one job execution needs. It is owned by that
// execution and never shared.
type JobContext struct {
	Config     *config.Config
	Job        Job
	Assignment Assignment
	API        controlplane.Client
	Storage    objectstore.Client
	EngineMeta map[string]string
	Logger     *slog.Logger
}

// Output is the result of a model run. It is only built after upload succeeds.
type Output struct {
	ResultLocation   string                       `json:"result_location"`
	Artifacts        map[string]string            `json:"artifacts"`
	ArtifactMetadata map[string]artifact.Metadata `json:"artifact_metadata"`
}
