// Package jobs runs per-file pipelines on a bounded worker pool. Files are
// independent units of work with no ordering between them; each task runs
// end to end on a single worker and shared state (ledger, dedup index) is
// only touched through those components' serialized APIs.
package jobs

import (
	"context"
	"sync"
)

// Task is one file's pipeline.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is a task's terminal outcome.
type Result struct {
	Name string
	Err  error
}

// Pool executes tasks on a fixed number of workers. Submit after Close
// panics, matching channel semantics; callers drive intake from one
// goroutine and stop submitting on cancellation.
type Pool struct {
	tasks   chan Task
	results chan Result
	wg      sync.WaitGroup

	mu      sync.Mutex
	collect []Result
	done    chan struct{}
}

// New starts workers goroutines consuming submitted tasks. ctx cancellation
// stops workers after their current task.
func New(ctx context.Context, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		tasks:   make(chan Task),
		results: make(chan Result, workers),
		done:    make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	go func() {
		for r := range p.results {
			p.mu.Lock()
			p.collect = append(p.collect, r)
			p.mu.Unlock()
		}
		close(p.done)
	}()

	return p
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.tasks {
		if err := ctx.Err(); err != nil {
			p.results <- Result{Name: task.Name, Err: err}
			continue
		}
		p.results <- Result{Name: task.Name, Err: task.Run(ctx)}
	}
}

// Submit queues a task. Blocks while all workers are busy, providing
// natural backpressure against the discovery walker.
func (p *Pool) Submit(t Task) {
	p.tasks <- t
}

// Wait closes intake and blocks until every submitted task reached a
// terminal state, returning all results.
func (p *Pool) Wait() []Result {
	close(p.tasks)
	p.wg.Wait()
	close(p.results)
	<-p.done
	return p.collect
}
