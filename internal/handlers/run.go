package handlers

import (
	"context"
	"sync"
)

// runManager tracks the single in-flight query run. Submitting a new question cancels the previous
// run and advances a generation counter; a stream consumer must check that its generation is still
// current before every shared-state mutation, so a superseded stream can never clobber the answer
// of the run that replaced it.
type runManager struct {
	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
}

// next cancels the active run, if any, and registers a new one. It returns the new run's
// generation token and the context its stream consumer must use.
func (r *runManager) next() (uint64, context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}

	r.generation++
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	return r.generation, ctx
}

// current reports whether gen still identifies the active run.
func (r *runManager) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation == gen
}

// release cancels and frees the handle of a finished run. It is a no-op when the run has already
// been superseded, since the handle then belongs to its successor.
func (r *runManager) release(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation == gen && r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}
