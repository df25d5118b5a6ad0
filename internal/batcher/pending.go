package batcher

import (
	"context"
	"fmt"
	"sync"
)

// Result is the outcome of one lookup. Found is false when the bulk fetch succeeded
// but did not return an entry for the key.
type Result[V any] struct {
	Value V
	Found bool
}

// Get returns the value and whether it was present in the batch.
func (r Result[V]) Get() (V, bool) {
	return r.Value, r.Found
}

// Pending is a one-shot completion handle for a single enqueued key.
type Pending[V any] struct {
	done   chan struct{}
	once   sync.Once
	result Result[V]
	err    error
}

func newPending[V any]() *Pending[V] {
	return &Pending[V]{done: make(chan struct{})}
}

// Done is closed once the handle carries its terminal outcome.
func (p *Pending[V]) Done() <-chan struct{} {
	return p.done
}

// Poll returns the outcome without blocking; ok is false while the window is still open
// or the fetch has not completed.
func (p *Pending[V]) Poll() (res Result[V], ok bool, err error) {
	select {
	case <-p.done:
		return p.result, true, p.err
	default:
		return Result[V]{}, false, nil
	}
}

// Wait blocks until the outcome is known or ctx ends. Abandoning the wait does not
// remove the key from its window.
func (p *Pending[V]) Wait(ctx context.Context) (Result[V], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return p.result, p.err
	default:
	}
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result[V]{}, fmt.Errorf("batcher wait: %w", ctx.Err())
	}
}

func (p *Pending[V]) complete(res Result[V], err error) {
	p.once.Do(func() {
		p.result = res
		p.err = err
		close(p.done)
	})
}
