// Package artifact runs independent artifact-producing tasks so that one
// failing task never prevents its siblings from running.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/simrunner/internal/log"
	"github.com/mattjoyce/simrunner/internal/metrics"
)

// Producer generates one artifact and returns its filename relative to the
// output directory.
type Producer func(ctx context.Context) (string, error)

// Task is one named artifact to produce.
type Task struct {
	Name        string
	Label       string
	Description string
	Produce     Producer
}

// Metadata describes a produced artifact.
type Metadata struct {
	GenerationSeconds float64 `json:"generation_seconds"`
	Label             string  `json:"label"`
	Description       string  `json:"description"`
}

// Result holds the successful artifacts of a RunAll call. Failed tasks appear
// in neither map.
type Result struct {
	Files     map[string]string
	Metadata  map[string]Metadata
	Attempted int
}

// Succeeded is the number of tasks that produced an artifact.
func (r Result) Succeeded() int { return len(r.Files) }

// Failed is the number of attempted tasks that produced nothing.
func (r Result) Failed() int { return r.Attempted - len(r.Files) }

// Aggregator runs artifact tasks. The zero value runs them sequentially.
type Aggregator struct {
	// Concurrency bounds parallel tasks. Values below 2 mean sequential.
	Concurrency int
	Logger      *slog.Logger
}

// RunAll attempts every task. Errors and panics are logged and the task is
// excluded from the result. Only the first task with a given name runs.
// Result ordering is not meaningful.
func (a Aggregator) RunAll(ctx context.Context, tasks []Task) Result {
	logger := a.Logger
	if logger == nil {
		logger = log.WithComponent("artifact")
	}

	res := Result{
		Files:     make(map[string]string, len(tasks)),
		Metadata:  make(map[string]Metadata, len(tasks)),
		Attempted: len(tasks),
	}
	var mu sync.Mutex

	run := func(t Task) {
		start := time.Now()
		filename, err := runTask(ctx, t)
		elapsed := time.Since(start)
		metrics.ArtifactsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
		if err != nil {
			logger.Error("artifact generation failed",
				"artifact", t.Name,
				"duration_ms", elapsed.Milliseconds(),
				"error", err,
			)
			return
		}
		logger.Debug("artifact generated", "artifact", t.Name, "file", filename, "duration_ms", elapsed.Milliseconds())

		mu.Lock()
		defer mu.Unlock()
		res.Files[t.Name] = filename
		res.Metadata[t.Name] = Metadata{
			GenerationSeconds: elapsed.Seconds(),
			Label:             t.Label,
			Description:       t.Description,
		}
	}

	// A repeated name is never run and counts as failed, so every result
	// map entry belongs to exactly one task.
	runnable := make([]Task, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.Name] {
			metrics.ArtifactsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			logger.Error("artifact generation skipped", "artifact", t.Name, "error", "duplicate artifact name")
			continue
		}
		seen[t.Name] = true
		runnable = append(runnable, t)
	}

	if a.Concurrency < 2 {
		for _, t := range runnable {
			run(t)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(a.Concurrency)
		for _, t := range runnable {
			t := t
			g.Go(func() error {
				run(t)
				return nil
			})
		}
		_ = g.Wait()
	}

	logger.Info("artifact generation finished",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded(),
		"failed", res.Failed(),
	)
	return res
}

func runTask(ctx context.Context, t Task) (filename string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if t.Produce == nil {
		return "", fmt.Errorf("task %q has no producer", t.Name)
	}
	filename, err = t.Produce(ctx)
	if err != nil {
		return "", err
	}
	if filename == "" {
		return "", fmt.Errorf("task %q produced no file", t.Name)
	}
	return filename, nil
}
