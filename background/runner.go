package background

import (
	"context"
	"log"
	"sync"
	"time"
)

// Runner executes detached tasks after a request's database write has
// committed. Tasks are never retried and never block the caller; their only
// failure signal is the log line. Wait drains in-flight tasks on shutdown.
type Runner struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

// NewRunner creates a runner whose tasks are cancelled after timeout.
func NewRunner(timeout time.Duration) *Runner {
	return &Runner{timeout: timeout}
}

// Go runs fn on its own goroutine with a fresh timeout context. The name
// only appears in logs.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			log.Printf("Background task %q failed: %v", name, err)
		}
	}()
}

// Wait blocks until all dispatched tasks have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
