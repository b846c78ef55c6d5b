package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mattjoyce/simrunner/internal/log"
	"github.com/mattjoyce/simrunner/internal/metrics"
)

// Dispatcher validates payloads, invokes handlers and checks their results.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Registry returns the registry the dispatcher resolves job types from.
func (d *Dispatcher) Registry() *Registry { return d.registry }

func (d *Dispatcher) log() *slog.Logger {
	if d.logger == nil {
		return log.WithComponent("dispatcher")
	}
	return d.logger
}

// Dispatch runs the handler registered for jobType on raw.
//
// The returned error is one of ErrUnregisteredJobType, ErrInvalidInput,
// *HandlerError or ErrInvalidOutput. A nil error means the output passed
// the registered output shape.
func (d *Dispatcher) Dispatch(ctx context.Context, jobType JobType, raw json.RawMessage, jc *JobContext) (out any, err error) {
	logger := d.jobLogger(jobType, jc)
	start := time.Now()
	metricType := string(jobType)

	defer func() {
		metrics.JobsTotal.WithLabelValues(metricType, metrics.Outcome(err)).Inc()
	}()

	reg, err := d.registry.lookup(jobType)
	if err != nil {
		metricType = "unregistered"
		logger.Error("dispatch rejected", "error", err)
		return nil, err
	}

	input, err := reg.input.Coerce(raw)
	if err != nil {
		logger.Error("invalid input payload", "shape", reg.input.Name(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	output, err := invoke(ctx, reg.handler, input, jc)
	if err != nil {
		herr := &HandlerError{Type: jobType, JobID: jobID(jc), Err: err}
		logger.Error("handler failed",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, herr
	}

	if err := reg.output.Check(output); err != nil {
		logger.Error("invalid output payload", "shape", reg.output.Name(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}

	logger.Info("job dispatched", "duration_ms", time.Since(start).Milliseconds())
	return output, nil
}

// DispatchJSON is Dispatch followed by encoding the output with the
// registered output shape.
func (d *Dispatcher) DispatchJSON(ctx context.Context, jobType JobType, raw json.RawMessage, jc *JobContext) (json.RawMessage, error) {
	out, err := d.Dispatch(ctx, jobType, raw, jc)
	if err != nil {
		return nil, err
	}
	shape, err := d.registry.OutputShape(jobType)
	if err != nil {
		return nil, err
	}
	data, err := shape.Encode(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}
	return data, nil
}

func invoke(ctx context.Context, h HandlerFunc, input any, jc *JobContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, input, jc)
}

func (d *Dispatcher) jobLogger(jobType JobType, jc *JobContext) *slog.Logger {
	logger := d.log()
	if jc != nil && jc.Logger != nil {
		logger = jc.Logger
	}
	logger = logger.With("job_type", string(jobType))
	if jc != nil {
		logger = logger.With("job_id", jc.Job.ID, "assignment_id", jc.Assignment.ID)
	}
	return logger
}

func jobID(jc *JobContext) string {
	if jc == nil {
		return ""
	}
	return jc.Job.ID
}
