package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mattjoyce/simrunner/internal/log"
	"github.com/mattjoyce/simrunner/internal/protocol"
)

// RequestFileEnv names the variable pointing a containerized engine at its
// request file.
const RequestFileEnv = "SIM_REQUEST_FILE"

const requestFileName = "engine-request.json"

// dockerAPI is the subset of the Docker client the engine uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// ContainerEngine runs the engine image in a Docker container. The output
// directory is bind-mounted at the same path so the environment contract
// holds inside and outside the container.
type ContainerEngine struct {
	cli     dockerAPI
	image   string
	command []string
	logger  *slog.Logger
}

var _ Engine = (*ContainerEngine)(nil)

// NewContainerEngine connects to the local Docker daemon.
func NewContainerEngine(image string, command []string) (*ContainerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newContainerEngine(cli, image, command), nil
}

func newContainerEngine(cli dockerAPI, image string, command []string) *ContainerEngine {
	return &ContainerEngine{cli: cli, image: image, command: append([]string(nil), command...)}
}

func (e *ContainerEngine) log() *slog.Logger {
	if e.logger == nil {
		return log.WithComponent("engine")
	}
	return e.logger
}

// Run implements Engine.
func (e *ContainerEngine) Run(ctx context.Context, req *protocol.Request, env Env) (*protocol.Response, error) {
	ctx = context.WithoutCancel(ctx)
	logger := e.log().With("job_id", req.JobID, "image", e.image)

	if req.OutputDir == "" {
		return nil, fmt.Errorf("request has no output directory")
	}
	reqFile := filepath.Join(filepath.Dir(req.OutputDir), requestFileName)
	if err := writeRequestFile(reqFile, req); err != nil {
		return nil, err
	}
	defer os.Remove(reqFile)

	binds := []string{
		req.OutputDir + ":" + req.OutputDir,
		reqFile + ":" + reqFile + ":ro",
	}
	if req.DataPackage.Path != "" {
		binds = append(binds, req.DataPackage.Path+":"+req.DataPackage.Path+":ro")
	}

	cfg := &container.Config{
		Image: e.image,
		Env:   append(env.Environ(), RequestFileEnv+"="+reqFile),
		Tty:   false,
	}
	if len(e.command) > 0 {
		cfg.Cmd = e.command
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, &container.HostConfig{Binds: binds}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	containerID := created.ID
	defer func() {
		if err := e.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			logger.Warn("failed to remove engine container", "container", shortID(containerID), "error", err)
		}
	}()
	logger.Debug("engine container created", "container", shortID(containerID))

	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("wait for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	logs, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("demultiplex container logs: %w", err)
	}
	stderrStr := truncateStderr(stderr.String())
	if exitCode != 0 {
		logger.Warn("engine container exited with non-zero status", "exit_code", exitCode, "stderr", stderrStr)
	}

	resp, raw, err := protocol.DecodeResponseLenient(&stdout)
	if err != nil {
		logger.Error("failed to decode engine response", "error", err, "stdout", string(raw), "stderr", stderrStr)
		if exitCode != 0 {
			return nil, fmt.Errorf("%w: container exited with status %d: %s", ErrEngine, exitCode, stderrStr)
		}
		return nil, fmt.Errorf("decode engine response: %w", err)
	}

	relayLogs(logger, resp.Logs)
	if err := checkResponse(resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func writeRequestFile(path string, req *protocol.Request) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create request file: %w", err)
	}
	if err := protocol.EncodeRequest(f, req); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
