// Package workerpool implements the bounded-concurrency
// single-producer/multi-consumer pipeline described in §4.H: the producer
// hands each task to Submit, which runs it in its own goroutine holding one
// of MaxWorkers semaphore permits. There is no separate queue: Submit
// blocks the producer while every permit is taken, so at most MaxWorkers
// tasks are in flight. The 2xMAX_WORKERS in-flight check Submit also makes
// never blocks, because that count cannot exceed MaxWorkers.
//
// Grounded directly on the teacher's worker/pool.go (goroutine-per-worker,
// stopChan, wait-group shutdown), extended with the semaphore-gated
// backpressure the spec requires and the teacher doesn't have.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Task is one unit of work handed to a worker. It MUST NOT panic; any
// error is captured per task and logged with the owning entity's id, and
// never cancels peers (§4.H).
type Task func(ctx context.Context) error

// Config tunes the pool.
type Config struct {
	// MaxWorkers bounds concurrent in-flight tasks (SYNC_MAX_WORKERS).
	MaxWorkers int
	// DrainTimeout bounds how long Close waits for in-flight tasks once
	// the stream has closed (§4.H "coarse timeout").
	DrainTimeout time.Duration
}

// DefaultConfig mirrors the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{MaxWorkers: 10, DrainTimeout: 2 * time.Minute}
}

// Pool runs Tasks with bounded parallelism and producer backpressure.
type Pool struct {
	cfg Config
	log *logrus.Entry

	sem *semaphore.Weighted // gates concurrent in-flight tasks at MaxWorkers
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight int
	errs     []TaskError
}

// TaskError pairs a task failure with the label the caller attached to
// it (typically an entity id), so failures are attributable without the
// pool knowing anything about entities.
type TaskError struct {
	Label string
	Err   error
}

// New builds a Pool. log may be nil.
func New(cfg Config, log *logrus.Entry) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		cfg: cfg,
		log: log.WithField("component", "workerpool"),
		sem: semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}
}

// Submit blocks until a worker permit is available (bounding concurrency
// to MaxWorkers, §8 property 7), then runs task in a new goroutine.
// Before taking a permit it also waits while 2xMaxWorkers tasks are in
// flight; since every in-flight task holds a permit, that wait never
// happens and the permit is what blocks the producer. Submit returns an
// error wrapping ctx.Err() without running task if ctx is cancelled
// before a permit is acquired.
func (p *Pool) Submit(ctx context.Context, label string, task Task) error {
	if err := p.waitForBackpressureSlot(ctx); err != nil {
		return err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("workerpool: acquire permit: %w", err)
	}

	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			p.mu.Lock()
			p.inFlight--
			p.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				p.recordErr(label, fmt.Errorf("workerpool: task panic: %v", r))
			}
		}()

		if err := task(ctx); err != nil {
			p.recordErr(label, err)
		}
	}()
	return nil
}

func (p *Pool) waitForBackpressureSlot(ctx context.Context) error {
	threshold := 2 * p.cfg.MaxWorkers
	for {
		p.mu.Lock()
		n := p.inFlight
		p.mu.Unlock()
		if n < threshold {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (p *Pool) recordErr(label string, err error) {
	p.log.WithField("task", label).WithError(err).Warn("task failed")
	p.mu.Lock()
	p.errs = append(p.errs, TaskError{Label: label, Err: err})
	p.mu.Unlock()
}

// InFlight reports the current number of tasks that have been submitted
// but not yet completed; Close reports it in its timeout error.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Errors returns every task failure recorded so far.
func (p *Pool) Errors() []TaskError {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TaskError, len(p.errs))
	copy(out, p.errs)
	return out
}

// Close waits for in-flight tasks to finish, bounded by DrainTimeout
// (§4.H "On stream close, remaining in-flight tasks are awaited with a
// coarse timeout").
func (p *Pool) Close() error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.DrainTimeout):
		return fmt.Errorf("workerpool: drain timed out after %s with %d tasks still in flight", p.cfg.DrainTimeout, p.InFlight())
	}
}
