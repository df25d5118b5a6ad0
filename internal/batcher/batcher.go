// Package batcher coalesces single-key lookups issued within a short window into one
// bulk fetch and fans the result back out to every caller.
//
// A window opens lazily on the first Enqueue after the previous window closed and
// closes when DelayInterval has elapsed since its first key or when it holds BatchSize
// distinct keys, whichever happens first. Each distinct key is passed to the fetch
// exactly once per window; every caller that enqueued the key receives the same
// outcome. Windows are dispatched to the fetch strictly in the order they closed.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/metric"

	"github.com/researchspace/researchspace-sub019/errs"
	"github.com/researchspace/researchspace-sub019/internal/observability"
	"github.com/researchspace/researchspace-sub019/lib/async"
)

const (
	// DefaultBatchSize caps the distinct keys per window.
	DefaultBatchSize = 100
	// DefaultDelayInterval caps the lifetime of a window.
	DefaultDelayInterval = 20 * time.Millisecond
)

// FetchFunc resolves a set of distinct keys in one call. Keys missing from the
// returned map are reported to their callers as absent, not as errors.
type FetchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// Config configures a Batcher.
type Config[K comparable, V any] struct {
	Name          string
	BatchSize     int
	DelayInterval time.Duration
	Fetch         FetchFunc[K, V]
	// Pool runs fetches when set; otherwise each fetch gets its own goroutine.
	Pool   *async.Pool
	Logger observability.Logger
	Meter  metric.Meter
}

func (c Config[K, V]) normalize() Config[K, V] {
	if c.Name == "" {
		c.Name = "batcher"
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.DelayInterval == 0 {
		c.DelayInterval = DefaultDelayInterval
	}
	return c
}

func (c Config[K, V]) validate() error {
	if c.Fetch == nil {
		return errs.New("batcher", errs.CodeInvalid, errs.WithMessage("fetch function required"))
	}
	if c.BatchSize < 0 {
		return errs.New("batcher", errs.CodeInvalid, errs.WithMessage("batch size must be >0"))
	}
	if c.DelayInterval < 0 {
		return errs.New("batcher", errs.CodeInvalid, errs.WithMessage("delay interval must be >0"))
	}
	return nil
}

// Batcher pools keyed lookups into bulk fetches.
type Batcher[K comparable, V any] struct {
	cfg     Config[K, V]
	logger  observability.Logger
	metrics *batcherMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	window *window[K, V]
	ready  []*window[K, V]
	closed bool

	notify   chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
	once     sync.Once
}

type window[K comparable, V any] struct {
	keys    []K
	waiters map[K][]*Pending[V]
	count   int
	timer   *time.Timer
	reason  string
}

// New constructs a Batcher and starts its dispatch loop.
func New[K comparable, V any](cfg Config[K, V]) (*Batcher[K, V], error) {
	cfg = cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher[K, V]{
		cfg:      cfg,
		logger:   observability.Or(cfg.Logger),
		metrics:  newBatcherMetrics(cfg.Name, cfg.Meter),
		ctx:      ctx,
		cancel:   cancel,
		notify:   make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

// Enqueue adds key to the open window and returns its completion handle. It never blocks.
func (b *Batcher[K, V]) Enqueue(key K) *Pending[V] {
	p := newPending[V]()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		p.complete(Result[V]{}, closedError(b.cfg.Name))
		return p
	}
	w := b.window
	if w == nil {
		w = &window[K, V]{waiters: make(map[K][]*Pending[V])}
		b.window = w
		w.timer = time.AfterFunc(b.cfg.DelayInterval, func() { b.expire(w) })
	}
	if _, seen := w.waiters[key]; !seen {
		w.keys = append(w.keys, key)
	}
	w.waiters[key] = append(w.waiters[key], p)
	w.count++
	full := len(w.keys) >= b.cfg.BatchSize
	if full {
		w.timer.Stop()
		b.detachLocked(w, "size")
	}
	b.mu.Unlock()

	b.metrics.enqueued(context.Background())
	if full {
		b.signal()
	}
	return p
}

// Query enqueues key and waits for its outcome. Cancelling ctx only abandons this
// caller's interest; the key stays in its window.
func (b *Batcher[K, V]) Query(ctx context.Context, key K) (Result[V], error) {
	return b.Enqueue(key).Wait(ctx)
}

// Flush closes the open window immediately.
func (b *Batcher[K, V]) Flush() {
	b.mu.Lock()
	w := b.window
	if w == nil {
		b.mu.Unlock()
		return
	}
	w.timer.Stop()
	b.detachLocked(w, "flush")
	b.mu.Unlock()
	b.signal()
}

// Close flushes the open window and rejects further keys. In-flight fetches keep running.
func (b *Batcher[K, V]) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		if w := b.window; w != nil {
			w.timer.Stop()
			b.detachLocked(w, "close")
		}
		b.mu.Unlock()
		b.signal()
	})
}

// Shutdown closes the batcher and waits for pending fetches. When ctx expires first the
// fetch context is cancelled.
func (b *Batcher[K, V]) Shutdown(ctx context.Context) error {
	b.Close()
	done := make(chan struct{})
	go func() {
		<-b.loopDone
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return fmt.Errorf("batcher shutdown: %w", ctx.Err())
	}
}

func (b *Batcher[K, V]) expire(w *window[K, V]) {
	b.mu.Lock()
	if b.window != w {
		// Already closed by size, flush or close.
		b.mu.Unlock()
		return
	}
	b.detachLocked(w, "timer")
	b.mu.Unlock()
	b.signal()
}

// detachLocked moves w from the open slot to the ready queue. Caller holds b.mu.
func (b *Batcher[K, V]) detachLocked(w *window[K, V], reason string) {
	if b.window == w {
		b.window = nil
	}
	w.reason = reason
	b.ready = append(b.ready, w)
	b.inflight.Add(1)
}

func (b *Batcher[K, V]) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Batcher[K, V]) loop() {
	defer close(b.loopDone)
	for range b.notify {
		for {
			b.mu.Lock()
			if len(b.ready) == 0 {
				closed := b.closed
				b.mu.Unlock()
				if closed {
					return
				}
				break
			}
			w := b.ready[0]
			b.ready[0] = nil
			b.ready = b.ready[1:]
			b.mu.Unlock()
			b.dispatch(w)
		}
	}
}

func (b *Batcher[K, V]) dispatch(w *window[K, V]) {
	run := func(ctx context.Context) error {
		b.execute(ctx, w)
		return nil
	}
	if b.cfg.Pool == nil {
		go func() { _ = run(b.ctx) }()
		return
	}
	if err := b.cfg.Pool.SubmitWait(b.ctx, run); err != nil {
		b.logger.Error("batcher dispatch failed",
			observability.F("batcher", b.cfg.Name),
			observability.F("keys", len(w.keys)),
			observability.F("error", err))
		b.resolve(w, nil, newFetchError(b.cfg.Name, len(w.keys), err))
		b.metrics.failed(context.Background(), "dispatch")
		b.metrics.fetched(context.Background(), len(w.keys), w.count, 0, "dispatch_failed")
		b.inflight.Done()
	}
}

func (b *Batcher[K, V]) execute(ctx context.Context, w *window[K, V]) {
	defer b.inflight.Done()

	start := time.Now()
	var (
		batch map[K]V
		err   error
	)
	var catcher panics.Catcher
	catcher.Try(func() {
		batch, err = b.cfg.Fetch(ctx, w.keys)
	})
	errorType := ""
	if recovered := catcher.Recovered(); recovered != nil {
		err = recovered.AsError()
		errorType = "panic"
	}
	elapsed := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
		if errorType == "" {
			errorType = fetchErrorType(err)
		}
		b.metrics.failed(ctx, errorType)
		b.logger.Error("batcher fetch failed",
			observability.F("batcher", b.cfg.Name),
			observability.F("keys", len(w.keys)),
			observability.F("reason", w.reason),
			observability.F("error", err))
		err = newFetchError(b.cfg.Name, len(w.keys), err)
	} else {
		b.logger.Debug("batcher fetch completed",
			observability.F("batcher", b.cfg.Name),
			observability.F("keys", len(w.keys)),
			observability.F("found", len(batch)),
			observability.F("reason", w.reason),
			observability.F("elapsed", elapsed))
	}
	b.resolve(w, batch, err)
	b.metrics.fetched(ctx, len(w.keys), w.count, elapsed, result)
}

func fetchErrorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	}
	if code := errs.CodeOf(err); code != "" {
		return string(code)
	}
	return "fetch"
}

func (b *Batcher[K, V]) resolve(w *window[K, V], batch map[K]V, err error) {
	for _, key := range w.keys {
		var res Result[V]
		if err == nil {
			res.Value, res.Found = batch[key]
		}
		for _, p := range w.waiters[key] {
			p.complete(res, err)
		}
	}
}
