package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/simrunner/internal/runlog"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large outputs cannot fill the pipe.
	outCh := make(chan string)
	errCh := make(chan string)
	go func() { b, _ := io.ReadAll(stdoutR); outCh <- string(b) }()
	go func() { b, _ := io.ReadAll(stderrR); errCh <- string(b) }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdout, stderr := <-outCh, <-errCh
	_ = stdoutR.Close()
	_ = stderrR.Close()
	return code, stdout, stderr
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

// engineScript writes one result directory and answers ok.
const engineScript = `cat >/dev/null; mkdir -p "$SIM_OUTPUT_DIR/model_run" && printf 'scenario,loss\n1,0.2\n' > "$SIM_OUTPUT_DIR/model_run/metrics.csv" && printf '{"status":"ok","metadata":{"engine_version":"test"}}'`

func writeTestConfig(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	body := fmt.Sprintf(`
service:
  log_level: error
workspace:
  base_dir: %s
engine:
  command: ["sh", "-c", %q]
data_packages:
  coastal: %s
state:
  path: %s
`, filepath.Join(dir, "scratch"), engineScript, filepath.Join(dir, "packages", "coastal"), filepath.Join(dir, "runs.db"))
	path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return dir, path
}

func TestVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05+02:00")

	code, stdout, _ := runCLIForTest(t, "version", "--json")
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789ab", info.Commit)
	assert.Equal(t, "2026-01-02T01:04:05Z", info.BuildTime)
}

func TestVersionRejectsArgs(t *testing.T) {
	code, _, stderr := runCLIForTest(t, "version", "extra")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage")
}

func TestUnknownCommands(t *testing.T) {
	for _, args := range [][]string{{"bogus"}, {"system", "stop"}, {"job", "inspect"}, {"config", "show"}, {}} {
		code, _, _ := runCLIForTest(t, args...)
		assert.Equal(t, 1, code, "args %v", args)
	}
}

func TestHelp(t *testing.T) {
	code, stdout, _ := runCLIForTest(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "system start")

	code, stdout, _ = runCLIForTest(t, "job", "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "--storage-uri")
}

func TestJobTypes(t *testing.T) {
	code, stdout, _ := runCLIForTest(t, "job", "types", "--json")
	require.Equal(t, 0, code)
	assert.JSONEq(t, `["ECHO","MODEL_RUN"]`, stdout)
}

func TestConfigCheckAndLock(t *testing.T) {
	_, path := writeTestConfig(t)

	code, stdout, stderr := runCLIForTest(t, "config", "check", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Config OK")

	code, stdout, stderr = runCLIForTest(t, "config", "lock", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "blake3:")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("\n# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr = runCLIForTest(t, "config", "check", "--config", path)
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, stderr)
}

func TestJobRunEcho(t *testing.T) {
	_, path := writeTestConfig(t)

	code, stdout, stderr := runCLIForTest(t, "job", "run", "--config", path,
		"--type", "ECHO", "--payload", `{"id":42}`, "--job-id", "job-echo")
	require.Equal(t, 0, code, stderr)
	assert.JSONEq(t, `{"id":42}`, stdout)
}

func TestJobRunModelRun(t *testing.T) {
	dir, path := writeTestConfig(t)
	dest := filepath.Join(dir, "results")

	code, stdout, stderr := runCLIForTest(t, "job", "run", "--config", path,
		"--type", "MODEL_RUN", "--payload", `{"data_package":"coastal","scenarios":1}`,
		"--storage-uri", "file://"+dest, "--job-id", "job-7")
	require.Equal(t, 0, code, stderr)

	var out struct {
		ResultLocation string            `json:"result_location"`
		Artifacts      map[string]string `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.True(t, strings.HasSuffix(out.ResultLocation, "model_run"), out.ResultLocation)
	assert.FileExists(t, filepath.Join(dest, "model_run", "metrics.csv"))
	assert.Contains(t, out.Artifacts, "checksums")
	assert.Contains(t, out.Artifacts, "summary")

	entries, err := os.ReadDir(filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace must be torn down")
}

func TestJobInspect(t *testing.T) {
	dir, path := writeTestConfig(t)

	code, _, stderr := runCLIForTest(t, "job", "run", "--config", path,
		"--type", "ECHO", "--payload", `{"id":1}`, "--job-id", "job-inspect")
	require.Equal(t, 0, code, stderr)

	store, err := runlog.Open(context.Background(), filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	runs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	assert.Contains(t, stderr, runs[0].ID)

	code, stdout, stderr := runCLIForTest(t, "job", "inspect", runs[0].ID, "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Job ID        : job-inspect")
	assert.Contains(t, stdout, "Status        : succeeded")

	code, stdout, _ = runCLIForTest(t, "job", "inspect", "--config", path, "--json", runs[0].ID)
	require.Equal(t, 0, code)
	var run runlog.Run
	require.NoError(t, json.Unmarshal([]byte(stdout), &run))
	assert.Equal(t, "job-inspect", run.JobID)

	code, _, stderr = runCLIForTest(t, "job", "inspect", "missing", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "run not found")
}

func TestJobRunFailures(t *testing.T) {
	_, path := writeTestConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing type", args: []string{"--payload", `{}`}},
		{name: "bad json", args: []string{"--type", "ECHO", "--payload", `{`}},
		{name: "unregistered type", args: []string{"--type", "NOPE", "--payload", `{}`}},
		{name: "unknown data package", args: []string{"--type", "MODEL_RUN", "--payload", `{"data_package":"arctic"}`, "--storage-uri", "file:///tmp/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"job", "run", "--config", path}, tt.args...)
			code, stdout, _ := runCLIForTest(t, args...)
			assert.Equal(t, 1, code)
			assert.Empty(t, stdout)
		})
	}
}

func TestSystemStartRequiresRedis(t *testing.T) {
	_, path := writeTestConfig(t)
	code, _, stderr := runCLIForTest(t, "system", "start", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "queue.redis_addr")
}
