package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/simrunner/internal/log"
)

// HandlerFunc executes one job. input has already been coerced into the
// registered input shape.
type HandlerFunc func(ctx context.Context, input any, jc *JobContext) (any, error)

type registration struct {
	handler HandlerFunc
	input   Shape
	output  Shape
}

// Registry maps job types to a handler and its input and output shapes.
// It is built once at start-up and handed to the Dispatcher.
type Registry struct {
	mu      sync.RWMutex
	entries map[JobType]registration
	logger  *slog.Logger
}

// NewRegistry creates an empty job type registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[JobType]registration),
	}
}

func (r *Registry) log() *slog.Logger {
	if r.logger == nil {
		return log.WithComponent("registry")
	}
	return r.logger
}

// Register installs a handler for jobType. A later registration replaces an
// earlier one and a warning is logged.
func (r *Registry) Register(jobType JobType, handler HandlerFunc, input, output Shape) error {
	if jobType == "" {
		return fmt.Errorf("job type is empty")
	}
	if handler == nil {
		return fmt.Errorf("job type %s: handler is nil", jobType)
	}
	if input == nil || output == nil {
		return fmt.Errorf("job type %s: input and output shapes are required", jobType)
	}

	r.mu.Lock()
	_, replaced := r.entries[jobType]
	r.entries[jobType] = registration{handler: handler, input: input, output: output}
	r.mu.Unlock()

	if replaced {
		r.log().Warn("job type re-registered, previous handler replaced", "job_type", jobType)
	}
	return nil
}

func (r *Registry) lookup(jobType JobType) (registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[jobType]
	if !ok {
		return registration{}, fmt.Errorf("%w: %q", ErrUnregisteredJobType, jobType)
	}
	return reg, nil
}

// Handler returns the handler registered for jobType.
func (r *Registry) Handler(jobType JobType) (HandlerFunc, error) {
	reg, err := r.lookup(jobType)
	if err != nil {
		return nil, err
	}
	return reg.handler, nil
}

// InputShape returns the input shape registered for jobType.
func (r *Registry) InputShape(jobType JobType) (Shape, error) {
	reg, err := r.lookup(jobType)
	if err != nil {
		return nil, err
	}
	return reg.input, nil
}

// OutputShape returns the output shape registered for jobType.
func (r *Registry) OutputShape(jobType JobType) (Shape, error) {
	reg, err := r.lookup(jobType)
	if err != nil {
		return nil, err
	}
	return reg.output, nil
}

// Types returns every registered job type in sorted order.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Typed adapts a statically typed handler to a HandlerFunc.
func Typed[I, O any](fn func(ctx context.Context, input I, jc *JobContext) (O, error)) HandlerFunc {
	return func(ctx context.Context, input any, jc *JobContext) (any, error) {
		in, ok := input.(I)
		if !ok {
			return nil, fmt.Errorf("handler received %T", input)
		}
		return fn(ctx, in, jc)
	}
}

// RegisterTyped registers fn with shapes derived from I and O.
func RegisterTyped[I, O any](r *Registry, jobType JobType, fn func(ctx context.Context, input I, jc *JobContext) (O, error)) error {
	return r.Register(jobType, Typed(fn), ShapeOf[I](), ShapeOf[O]())
}
