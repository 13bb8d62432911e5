package training

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/tphakala/faceid/internal/logger"
)

// job is one unit of work run on the executor's goroutine.
type job func(ctx context.Context)

// executor runs jobs one at a time on a single goroutine. It holds at most
// one pending job; submit never blocks.
type executor struct {
	mu     sync.Mutex
	jobs   chan job
	busy   atomic.Bool
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newExecutor() *executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &executor{
		jobs:   make(chan job, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

// submit queues j. It returns false when the executor is closed or a job is
// already pending.
func (e *executor) submit(j job) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.jobs <- j:
		return true
	default:
		return false
	}
}

// Busy reports whether a job is running.
func (e *executor) Busy() bool {
	return e.busy.Load()
}

func (e *executor) loop() {
	defer close(e.done)
	for j := range e.jobs {
		if !e.busy.CompareAndSwap(false, true) {
			getLogger().Error("training executor started a job while busy")
		}
		e.run(j)
		e.busy.Store(false)
	}
}

func (e *executor) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			getLogger().Error("training job panicked",
				logger.String("panic", fmt.Sprint(r)),
				logger.String("stack", string(debug.Stack())))
		}
	}()
	j(e.ctx)
}

// close cancels the running job and waits for the worker to exit or ctx to
// expire. A job still queued runs with the cancelled context.
func (e *executor) close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.cancel()
		close(e.jobs)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for training worker: %w", ctx.Err())
	}
}
