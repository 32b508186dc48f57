package workerpool

import (
	"context"
	"runtime"
)

// CPUPool bounds how many short CPU-bound helpers (hashing, serialization,
// embedding-text projection, file-hash I/O) run at once (§4.H, §5). Sized
// min(100, 4xCPU) per the spec's shared-thread-pool rule. fn runs on the
// caller's goroutine; see Run.
type CPUPool struct {
	sem chan struct{}
}

// NewCPUPool builds a CPUPool sized min(100, 4xNumCPU).
func NewCPUPool() *CPUPool {
	size := 4 * runtime.NumCPU()
	if size > 100 {
		size = 100
	}
	if size < 1 {
		size = 1
	}
	return &CPUPool{sem: make(chan struct{}, size)}
}

// Run executes fn on the CPU pool, blocking until a slot is free or ctx is
// cancelled. The caller's goroutine is used to run fn — this bounds
// concurrency, it doesn't hand off to a separate OS thread pool, which
// matches Go's model of cooperative goroutines over OS threads better
// than spinning up a literal fixed thread pool would.
func (p *CPUPool) Run(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn()
}
