// Package engine invokes the external simulation engine.
//
// The engine is an opaque, blocking call: a run is never interrupted by
// context cancellation. Stopping an in-flight run means stopping the worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mattjoyce/simrunner/internal/config"
	"github.com/mattjoyce/simrunner/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/mattjoyce/simrunner/internal/engine Engine

const maxStderrBytes = 64 * 1024

// ErrEngine is returned when the engine reports a failed run.
var ErrEngine = errors.New("engine run failed")

// Env is the environment contract handed to one engine invocation.
// It is per job, so concurrent runs never share it.
type Env map[string]string

// Environ renders env as sorted KEY=VALUE pairs.
func (e Env) Environ() []string {
	out := make([]string, 0, len(e))
	for k, v := range e {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Engine runs one simulation request to completion.
type Engine interface {
	Run(ctx context.Context, req *protocol.Request, env Env) (*protocol.Response, error)
}

// New builds the engine selected by cfg.Driver.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Driver {
	case "", config.EngineDriverProcess:
		return NewProcessEngine(cfg.Command), nil
	case config.EngineDriverContainer:
		return NewContainerEngine(cfg.Image, cfg.Command)
	default:
		return nil, fmt.Errorf("unknown engine driver %q", cfg.Driver)
	}
}

func checkResponse(resp *protocol.Response) error {
	if !resp.OK() {
		return fmt.Errorf("%w: %s", ErrEngine, resp.Error)
	}
	return nil
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
