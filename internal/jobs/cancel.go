package jobs

import (
	"context"
	"sync"
)

// cancelRegistry holds the local cancellation token of every job this process
// is running. The token is a context that only gates row admission; rows
// already in flight keep running on the job's work context.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

// register returns the token for jobID and a release func that must be called
// once the job stops running
func (r *cancelRegistry) register(parent context.Context, jobID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.cancels[jobID] = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		delete(r.cancels, jobID)
		r.mu.Unlock()
		cancel()
	}
}

// cancel trips the token for jobID. It reports whether the job was running here.
func (r *cancelRegistry) cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

func (r *cancelRegistry) running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
