package registry

import (
	"context"
	"sync"
)

// Runs tracks the jobs executing in this process so a cancellation request can
// abort their in-flight calls. It is created by the process and passed to the
// orchestrator; Close cancels everything still registered.
type Runs struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewRuns returns an empty run registry.
func NewRuns() *Runs {
	return &Runs{cancels: make(map[string]context.CancelFunc)}
}

// Start derives a cancellable context for jobID. The returned done func must be
// called when the job finishes. After Close, Start returns an already-cancelled context.
func (r *Runs) Start(ctx context.Context, jobID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		cancel()
		return ctx, func() {}
	}
	r.cancels[jobID] = cancel
	return ctx, func() {
		r.mu.Lock()
		delete(r.cancels, jobID)
		r.mu.Unlock()
		cancel()
	}
}

// Cancel aborts jobID if it runs here. It reports whether the job was found.
func (r *Runs) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether jobID executes in this process.
func (r *Runs) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[jobID]
	return ok
}

// Len returns the number of registered jobs.
func (r *Runs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}

// Close cancels every registered job and refuses new ones.
func (r *Runs) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, cancel := range r.cancels {
		cancel()
		delete(r.cancels, id)
	}
}
