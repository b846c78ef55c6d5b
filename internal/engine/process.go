package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/mattjoyce/simrunner/internal/log"
	"github.com/mattjoyce/simrunner/internal/protocol"
)

// ProcessEngine runs the engine as a local subprocess. The request is written
// to stdin and the response is read from stdout.
type ProcessEngine struct {
	command []string
	logger  *slog.Logger
}

var _ Engine = (*ProcessEngine)(nil)

// NewProcessEngine creates an engine that spawns command.
func NewProcessEngine(command []string) *ProcessEngine {
	return &ProcessEngine{command: append([]string(nil), command...)}
}

func (e *ProcessEngine) log() *slog.Logger {
	if e.logger == nil {
		return log.WithComponent("engine")
	}
	return e.logger
}

// Run implements Engine. There is no timeout and ctx cancellation does not
// kill the process.
func (e *ProcessEngine) Run(ctx context.Context, req *protocol.Request, env Env) (*protocol.Response, error) {
	if len(e.command) == 0 {
		return nil, fmt.Errorf("engine command is not configured")
	}
	logger := e.log().With("job_id", req.JobID)

	cmd := exec.Command(e.command[0], e.command[1:]...)
	cmd.Env = append(os.Environ(), env.Environ()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning engine", "command", e.command[0])

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := cmd.Wait()
	stderrStr := truncateStderr(stderr.String())
	if werr := <-writeErr; werr != nil && waitErr == nil {
		// An engine may work from the environment alone and exit without
		// reading stdin. Its response still decides the outcome.
		if !stdinClosed(werr) {
			return nil, fmt.Errorf("write engine request: %w", werr)
		}
		logger.Debug("engine exited before reading the request", "error", werr)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait for engine: %w", waitErr)
		}
		logger.Warn("engine exited with non-zero status", "exit_code", exitErr.ExitCode(), "stderr", stderrStr)
	}

	resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
	if err != nil {
		logger.Error("failed to decode engine response", "error", err, "stdout", string(raw), "stderr", stderrStr)
		if waitErr != nil {
			return nil, fmt.Errorf("%w: %v: %s", ErrEngine, waitErr, stderrStr)
		}
		return nil, fmt.Errorf("decode engine response: %w", err)
	}

	relayLogs(logger, resp.Logs)
	if err := checkResponse(resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func stdinClosed(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}

// relayLogs forwards engine log entries at their own level.
func relayLogs(logger *slog.Logger, entries []protocol.LogEntry) {
	ctx := context.Background()
	for _, entry := range entries {
		logger.Log(ctx, log.ParseLevel(entry.Level), entry.Message, "source", "engine")
	}
}
