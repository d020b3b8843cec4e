package usecases

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/charmbracelet/log"
)

// TaskPool runs detached background work (extraction, embedding, titles)
// with bounded parallelism. Task errors and panics are logged and never
// reach the request that scheduled them.
type TaskPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	logger *log.Logger

	// mu orders wg.Add in Go before the wg.Wait in Shutdown.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewTaskPool creates a pool allowing at most workers tasks at once.
func NewTaskPool(workers int, logger *log.Logger) *TaskPool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskPool{
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, workers),
		logger: logger.WithPrefix("tasks"),
	}
}

// Go schedules fn. It returns false when the pool is shut down.
// fn receives the pool context, which is cancelled by Shutdown.
func (p *TaskPool) Go(name string, fn func(ctx context.Context) error) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			return
		}
		defer func() { <-p.sem }()

		if err := p.run(fn); err != nil {
			p.logger.Warn("background task failed", "task", name, "err", err)
		}
	}()
	return true
}

func (p *TaskPool) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(p.ctx)
}

// Wait blocks until every scheduled task has returned.
func (p *TaskPool) Wait() {
	p.wg.Wait()
}

// Shutdown cancels running tasks and waits for them, or for ctx.
func (p *TaskPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
