package pool

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Submit once the pool no longer accepts work.
var ErrStopped = errors.New("worker pool stopped")

type Task func(ctx context.Context)

// WorkerPool runs tasks on a fixed number of workers draining a bounded
// queue. A full queue blocks Submit, which is the backpressure that keeps a
// large batch from outrunning the downstream gateways.
type WorkerPool struct {
	queue   chan Task
	workers int
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

func NewWorkerPool(workers, queueDepth int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &WorkerPool{
		queue:   make(chan Task, queueDepth),
		workers: workers,
	}
}

// Start launches the workers. Every accepted task runs exactly once: the
// workers keep draining the queue after ctx is cancelled, invoking each task
// with the cancelled context so it settles at its first checkpoint instead of
// stranding a submitter that waits on its completion. Workers exit when Stop
// closes the queue.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.queue {
				task(ctx)
			}
		}()
	}
}

// Submit enqueues task, blocking while the queue is full. Returns ctx.Err
// when cancelled while waiting, ErrStopped after Stop.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()

	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for the workers to drain it. No Submit may
// race with or follow Stop.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Wait blocks until all workers have exited without closing the queue first.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
