package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/simrunner/internal/config"
	"github.com/mattjoyce/simrunner/internal/log"
	"github.com/mattjoyce/simrunner/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func runRequest(outputDir string) *protocol.Request {
	return &protocol.Request{
		Protocol:    protocol.Version,
		JobID:       "job-1",
		Command:     protocol.CommandRun,
		DataPackage: protocol.DataPackage{Name: "coastal", Path: "/data/coastal"},
		OutputDir:   outputDir,
	}
}

func TestEnvEnviron(t *testing.T) {
	env := Env{"SIM_OUTPUT_DIR": "/w", "A": "1"}
	assert.Equal(t, []string{"A=1", "SIM_OUTPUT_DIR=/w"}, env.Environ())
	assert.Empty(t, Env(nil).Environ())
}

func TestNew(t *testing.T) {
	e, err := New(config.EngineConfig{Driver: config.EngineDriverProcess, Command: []string{"sim"}})
	require.NoError(t, err)
	assert.IsType(t, &ProcessEngine{}, e)

	_, err = New(config.EngineConfig{Driver: "lambda"})
	assert.Error(t, err)
}

func TestProcessEngineHonoursEnvContract(t *testing.T) {
	requireShell(t)
	work := t.TempDir()

	script := `req=$(cat)
case "$req" in *'"command":"run"'*) ;; *) echo "bad request" >&2; exit 2;; esac
mkdir -p "$SIM_OUTPUT_DIR/result_20240101"
echo '{"status":"ok","metadata":{"engine_version":"3.2"},"logs":[{"level":"info","message":"done"}]}'`

	eng := NewProcessEngine([]string{"sh", "-c", script})
	resp, err := eng.Run(context.Background(), runRequest(work), Env{"SIM_OUTPUT_DIR": work})
	require.NoError(t, err)
	assert.Equal(t, "3.2", resp.Metadata["engine_version"])
	assert.DirExists(t, filepath.Join(work, "result_20240101"))
}

func TestProcessEngineEnvIsPerCall(t *testing.T) {
	requireShell(t)
	eng := NewProcessEngine([]string{"sh", "-c", `cat >/dev/null; printf '{"status":"ok","metadata":{"out":"%s"}}' "$SIM_OUTPUT_DIR"`})

	a, err := eng.Run(context.Background(), runRequest("/a"), Env{"SIM_OUTPUT_DIR": "/a"})
	require.NoError(t, err)
	b, err := eng.Run(context.Background(), runRequest("/b"), Env{"SIM_OUTPUT_DIR": "/b"})
	require.NoError(t, err)

	assert.Equal(t, "/a", a.Metadata["out"])
	assert.Equal(t, "/b", b.Metadata["out"])
	_, set := os.LookupEnv("SIM_OUTPUT_DIR")
	assert.False(t, set, "process environment must not be modified")
}

func TestProcessEngineErrorResponse(t *testing.T) {
	requireShell(t)
	eng := NewProcessEngine([]string{"sh", "-c", `cat >/dev/null; echo '{"status":"error","error":"domain not found"}'`})

	resp, err := eng.Run(context.Background(), runRequest(t.TempDir()), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngine)
	assert.Contains(t, err.Error(), "domain not found")
	require.NotNil(t, resp)
}

func TestProcessEngineCrash(t *testing.T) {
	requireShell(t)
	eng := NewProcessEngine([]string{"sh", "-c", `cat >/dev/null; echo "out of memory" >&2; exit 137`})

	_, err := eng.Run(context.Background(), runRequest(t.TempDir()), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngine)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestProcessEngineIgnoresCancellation(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := NewProcessEngine([]string{"sh", "-c", `cat >/dev/null; sleep 0.1; echo '{"status":"ok"}'`})
	_, err := eng.Run(ctx, runRequest(t.TempDir()), nil)
	assert.NoError(t, err)
}

func TestProcessEngineIgnoringStdin(t *testing.T) {
	eng := NewProcessEngine([]string{"sh", "-c", `echo '{"status":"ok","metadata":{"mode":"env-only"}}'`})
	req := &protocol.Request{
		Protocol:   protocol.Version,
		JobID:      "job-big",
		Command:    protocol.CommandRun,
		OutputDir:  t.TempDir(),
		Parameters: map[string]any{"blob": strings.Repeat("x", 256<<10)},
	}

	for i := 0; i < 5; i++ {
		resp, err := eng.Run(context.Background(), req, Env{"SIM_OUTPUT_DIR": req.OutputDir})
		require.NoError(t, err)
		assert.Equal(t, "env-only", resp.Metadata["mode"])
	}
}

func TestProcessEngineIgnoringStdinStillNeedsResponse(t *testing.T) {
	eng := NewProcessEngine([]string{"sh", "-c", `exit 0`})
	req := &protocol.Request{
		Protocol:   protocol.Version,
		JobID:      "job-silent",
		Command:    protocol.CommandRun,
		OutputDir:  t.TempDir(),
		Parameters: map[string]any{"blob": strings.Repeat("x", 256<<10)},
	}

	_, err := eng.Run(context.Background(), req, nil)
	require.Error(t, err)
}

func TestProcessEngineNotConfigured(t *testing.T) {
	_, err := NewProcessEngine(nil).Run(context.Background(), runRequest("/w"), nil)
	assert.Error(t, err)
}

type fakeDocker struct {
	config    *container.Config
	host      *container.HostConfig
	request   []byte
	stdout    string
	stderr    string
	exitCode  int64
	removed   bool
	createErr error
	ctxErr    error
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.ctxErr = ctx.Err()
	f.config = cfg
	f.host = host
	for _, e := range cfg.Env {
		if len(e) > len(RequestFileEnv)+1 && e[:len(RequestFileEnv)+1] == RequestFileEnv+"=" {
			f.request, _ = os.ReadFile(e[len(RequestFileEnv)+1:])
		}
	}
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "0123456789abcdef"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, types.ContainerStartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, make(chan error)
}

func (f *fakeDocker) ContainerLogs(context.Context, string, types.ContainerLogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerRemove(context.Context, string, types.ContainerRemoveOptions) error {
	f.removed = true
	return nil
}

func TestContainerEngineRun(t *testing.T) {
	ws := t.TempDir()
	work := filepath.Join(ws, "work")
	require.NoError(t, os.Mkdir(work, 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := &fakeDocker{stdout: `{"status":"ok","metadata":{"engine_version":"4.0"}}` + "\n"}
	eng := newContainerEngine(fake, "sim:latest", nil)

	resp, err := eng.Run(ctx, runRequest(work), Env{"SIM_OUTPUT_DIR": work})
	require.NoError(t, err)
	assert.Equal(t, "4.0", resp.Metadata["engine_version"])

	assert.NoError(t, fake.ctxErr, "docker calls must not observe cancellation")
	assert.Equal(t, "sim:latest", fake.config.Image)
	assert.Contains(t, fake.config.Env, "SIM_OUTPUT_DIR="+work)
	assert.Contains(t, fake.host.Binds, work+":"+work)
	assert.Contains(t, fake.host.Binds, "/data/coastal:/data/coastal:ro")
	assert.Contains(t, string(fake.request), `"job_id":"job-1"`)
	assert.True(t, fake.removed)
	assert.NoFileExists(t, filepath.Join(ws, requestFileName))
}

func TestContainerEngineFailedExit(t *testing.T) {
	work := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.Mkdir(work, 0o755))

	fake := &fakeDocker{stderr: "panic: index out of range", exitCode: 2}
	_, err := newContainerEngine(fake, "sim:latest", []string{"simulate"}).Run(context.Background(), runRequest(work), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngine)
	assert.Contains(t, err.Error(), "index out of range")
	assert.Equal(t, []string{"simulate"}, []string(fake.config.Cmd))
	assert.True(t, fake.removed)
}

func TestContainerEngineCreateError(t *testing.T) {
	work := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.Mkdir(work, 0o755))

	fake := &fakeDocker{createErr: errors.New("no such image")}
	_, err := newContainerEngine(fake, "missing:latest", nil).Run(context.Background(), runRequest(work), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such image")
	assert.False(t, fake.removed)
}
