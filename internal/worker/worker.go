// Package worker runs best-effort background jobs, such as pool refills,
// off the request path. Jobs that fail are logged and dropped; anything
// that must not be lost belongs in the database, not here.
package worker

import (
	"context"
	"log"
	"sync"
	"time"
)

type job struct {
	name string
	run  func(ctx context.Context) error
}

type Runner struct {
	jobs    chan job
	wg      sync.WaitGroup
	Timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// New starts a runner draining a buffered queue of the given size.
func New(buffer int) *Runner {
	if buffer <= 0 {
		buffer = 16
	}
	r := &Runner{jobs: make(chan job, buffer), Timeout: time.Minute}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for j := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
		if err := j.run(ctx); err != nil {
			log.Printf("worker: job %s failed: %v", j.name, err)
		}
		cancel()
	}
}

// Submit queues a job. Returns false when the queue is full or the runner
// is closed; the job is dropped in both cases.
func (r *Runner) Submit(name string, run func(ctx context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.jobs <- job{name: name, run: run}:
		return true
	default:
		log.Printf("worker: queue full, dropping job %s", name)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()
	r.wg.Wait()
}
