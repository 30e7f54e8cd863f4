package pipeline

import (
	"context"

	"github.com/jholhewres/gman/pkg/gman/delivery"
)

// Task is a handle to an invocation running in the background.
type Task struct {
	req    Request
	done   chan struct{}
	cancel context.CancelFunc
	res    *Result
}

// Start runs req in a new goroutine and returns immediately.
func (p *Pipeline) Start(ctx context.Context, req Request, m delivery.Messenger) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{req: req, done: make(chan struct{}), cancel: cancel}

	p.mu.Lock()
	p.tasks[t] = struct{}{}
	p.mu.Unlock()
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		t.res = p.Run(ctx, req, m)
		cancel()

		p.mu.Lock()
		delete(p.tasks, t)
		p.mu.Unlock()
		close(t.done)
	}()
	return t
}

// Request returns the request the task runs.
func (t *Task) Request() Request { return t.req }

// Done is closed once the invocation has finished and cleaned up.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel aborts the invocation. The caller still receives a report.
func (t *Task) Cancel() { t.cancel() }

// Result returns the outcome, or nil while the task is running.
func (t *Task) Result() *Result {
	select {
	case <-t.done:
		return t.res
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
		return t.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active returns the number of running tasks.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// CancelAll cancels every running task.
func (p *Pipeline) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for t := range p.tasks {
		t.cancel()
	}
}

// Shutdown waits for running tasks. When ctx ends first the remaining
// tasks are canceled and awaited.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.CancelAll()
		<-done
		return ctx.Err()
	}
}
