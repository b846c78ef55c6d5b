package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/simrunner/internal/log"
)

const defaultClaimWait = 5 * time.Second

// Pool runs claimed assignments on a fixed number of goroutines. Each
// assignment is acknowledged once, whatever its outcome; there are no
// retries.
type Pool struct {
	source    Source
	runner    *Runner
	workers   int
	claimWait time.Duration
	logger    *slog.Logger
}

// NewPool creates a pool of workers goroutines.
func NewPool(source Source, runner *Runner, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		source:    source,
		runner:    runner,
		workers:   workers,
		claimWait: defaultClaimWait,
		logger:    log.WithComponent("worker"),
	}
}

// Run claims and executes assignments until ctx is cancelled, then waits
// for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.workers)

	msgs := make(chan *Message)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for m := range msgs {
				p.handle(ctx, n, m)
			}
		}(i + 1)
	}

	defer func() {
		close(msgs)
		wg.Wait()
		p.logger.Info("worker pool stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		m, err := p.source.Claim(ctx, p.claimWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if m == nil {
			continue
		}
		select {
		case msgs <- m:
		case <-ctx.Done():
			// Claimed but not started: leave it in the processing list for RequeueStale.
			return nil
		}
	}
}

func (p *Pool) handle(ctx context.Context, n int, m *Message) {
	logger := p.logger.With("worker", n)

	env, err := m.Decode()
	if err != nil {
		logger.Error("dropping malformed assignment", "error", err)
	} else {
		// In-flight jobs run to completion on shutdown.
		p.runner.Execute(context.WithoutCancel(ctx), env.Job, env.Assignment)
	}

	if err := p.source.Ack(context.WithoutCancel(ctx), m); err != nil {
		logger.Error("ack failed", "error", err)
	}
}
