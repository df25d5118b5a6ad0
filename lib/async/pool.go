// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/researchspace/researchspace-sub019/errs"
	"github.com/researchspace/researchspace-sub019/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Option configures a Pool.
type Option func(*Pool)

// WithLogger routes task failures and recovered panics to the given logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithName labels log entries emitted by the pool.
func WithName(name string) Option {
	return func(p *Pool) {
		p.name = name
	}
}

// Pool defines a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool

	name   string
	logger observability.Logger
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	p.name = "async"
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task without waiting; a saturated queue is rejected.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, false)
}

// SubmitWait schedules the provided task, waiting for queue space until ctx ends.
func (p *Pool) SubmitWait(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, true)
}

func (p *Pool) submit(ctx context.Context, fn Task, wait bool) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// The read lock keeps Close from closing jobs while a send is in flight.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	item := job{ctx: ctx, fn: fn}
	if !wait {
		select {
		case p.jobs <- item:
			return nil
		default:
			p.wg.Done()
			return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
		}
	}
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- item:
		return nil
	}
}

// Close stops accepting new tasks; queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown waits for queued and in-flight tasks to complete or until the context expires.
// On expiry the pool context is cancelled so cooperative tasks can abort.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	for item := range p.jobs {
		p.run(item)
	}
}

func (p *Pool) run(item job) {
	defer p.wg.Done()
	ctx := item.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = item.fn(ctx)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		observability.Or(p.logger).Error("async task panic",
			observability.F("pool", p.name),
			observability.F("panic", recovered.String()))
		return
	}
	if err != nil {
		observability.Or(p.logger).Debug("async task failed",
			observability.F("pool", p.name),
			observability.F("error", err))
	}
}
