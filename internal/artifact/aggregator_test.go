package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/simrunner/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func numberedTasks(n, failAt int, calls []int32) []Task {
	tasks := make([]Task, 0, n)
	for i := 1; i <= n; i++ {
		i := i
		tasks = append(tasks, Task{
			Name:  fmt.Sprintf("plot-%d", i),
			Label: fmt.Sprintf("Plot %d", i),
			Produce: func(context.Context) (string, error) {
				atomic.AddInt32(&calls[i-1], 1)
				if i == failAt {
					return "", errors.New("renderer crashed")
				}
				return fmt.Sprintf("plot-%d.png", i), nil
			},
		})
	}
	return tasks
}

func TestRunAllIsolatesFailure(t *testing.T) {
	for _, concurrency := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			calls := make([]int32, 5)
			res := Aggregator{Concurrency: concurrency}.RunAll(context.Background(), numberedTasks(5, 3, calls))

			assert.Equal(t, 5, res.Attempted)
			assert.Equal(t, 4, res.Succeeded())
			assert.Equal(t, 1, res.Failed())
			assert.Len(t, res.Metadata, 4)
			assert.NotContains(t, res.Files, "plot-3")
			assert.NotContains(t, res.Metadata, "plot-3")
			assert.Equal(t, "plot-5.png", res.Files["plot-5"])
			assert.Equal(t, "Plot 4", res.Metadata["plot-4"].Label)

			for i, c := range calls {
				assert.EqualValues(t, 1, c, "task %d attempts", i+1)
			}
		})
	}
}

func TestRunAllRecoversPanics(t *testing.T) {
	tasks := []Task{
		{Name: "boom", Produce: func(context.Context) (string, error) { panic("nil map") }},
		{Name: "nil producer"},
		{Name: "empty", Produce: func(context.Context) (string, error) { return "", nil }},
		{Name: "ok", Produce: func(context.Context) (string, error) { return "ok.txt", nil }},
	}

	res := Aggregator{}.RunAll(context.Background(), tasks)

	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, map[string]string{"ok": "ok.txt"}, res.Files)
	assert.GreaterOrEqual(t, res.Metadata["ok"].GenerationSeconds, 0.0)
}

func TestRunAllNoTasks(t *testing.T) {
	res := Aggregator{Concurrency: 4}.RunAll(context.Background(), nil)
	assert.Zero(t, res.Attempted)
	assert.Zero(t, res.Succeeded())
	assert.Zero(t, res.Failed())
	require.NotNil(t, res.Files)
}

func TestRunAllSkipsDuplicateNames(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			var second int32
			tasks := []Task{
				{Name: "summary", Produce: func(context.Context) (string, error) { return "summary.json", nil }},
				{Name: "summary", Produce: func(context.Context) (string, error) {
					atomic.AddInt32(&second, 1)
					return "plot.png", nil
				}},
				{Name: "curve", Produce: func(context.Context) (string, error) { return "curve.png", nil }},
			}

			res := Aggregator{Concurrency: concurrency}.RunAll(context.Background(), tasks)

			assert.Equal(t, 3, res.Attempted)
			assert.Equal(t, 2, res.Succeeded())
			assert.Equal(t, 1, res.Failed())
			assert.Equal(t, "summary.json", res.Files["summary"])
			assert.Zero(t, atomic.LoadInt32(&second), "duplicate must not run")
		})
	}
}
