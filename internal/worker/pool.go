// Package worker provides a bounded background task pool for fire-and-forget
// work (database mirrors, notification calls) that must not block the
// WebSocket hot path.
package worker

import (
	"context"
	"log"
	"sync"
)

// Pool runs submitted tasks on a fixed set of goroutines behind a bounded
// queue. When the queue is full, Submit drops the task instead of blocking.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts a pool with the given number of workers and queue capacity.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.execute(task)
	}
}

// execute isolates panics so one bad task cannot kill a worker.
func (p *Pool) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: task panic recovered: %v", r)
		}
	}()
	task()
}

// Submit enqueues a task. It never blocks: if the queue is full or the pool
// is closed the task is dropped and Submit returns false.
func (p *Pool) Submit(task func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	select {
	case p.tasks <- task:
		p.mu.Unlock()
		return true
	default:
		p.mu.Unlock()
		log.Printf("worker: queue full, dropping task")
		return false
	}
}

// Shutdown stops accepting tasks and waits for in-flight work to finish, or
// for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
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
