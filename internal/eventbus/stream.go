package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stream describes the events matching a filter. It is cold: nothing is registered until
// Subscribe or Observe is called, and every call yields an independent Subscription.
type Stream struct {
	bus    *MemoryBus
	filter Filter
}

// Filter returns the filter the stream was created with.
func (s *Stream) Filter() Filter {
	return s.filter
}

// Subscribe registers a channel subscription. It is removed when ctx ends, when Close is
// called, or when the bus unsubscribes it; the channel is closed on removal.
func (s *Stream) Subscribe(ctx context.Context) (*Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.bus.attach(ctx, s.filter, nil)
}

// Observe registers a callback subscription. handler runs synchronously from Trigger.
func (s *Stream) Observe(handler Handler) (*Subscription, error) {
	return s.bus.attach(nil, s.filter, handler)
}

// Subscription is one registered interest in a Stream.
type Subscription struct {
	id      SubscriptionID
	filter  Filter
	bus     *MemoryBus
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes channel sends against close.
	mu      sync.Mutex
	ch      chan Event
	removed atomic.Bool
	once    sync.Once
}

// ID returns the subscription identifier accepted by Bus.Unsubscribe.
func (s *Subscription) ID() SubscriptionID {
	return s.id
}

// Filter returns the filter the subscription was registered with.
func (s *Subscription) Filter() Filter {
	return s.filter
}

// Events returns the delivery channel. It is nil for callback subscriptions.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return !s.removed.Load()
}

// Close removes the subscription. Repeated calls are no-ops.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.id)
}

func (s *Subscription) delivery() string {
	if s.handler != nil {
		return "callback"
	}
	return "channel"
}

// offer performs a non-blocking send. When the buffer is full the oldest event is dropped to
// make room and dropped is true.
func (s *Subscription) offer(evt Event) (delivered, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed.Load() {
		return false, false
	}
	select {
	case s.ch <- evt:
		return true, false
	default:
	}
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- evt:
		return true, dropped
	default:
		return false, true
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		s.removed.Store(true)
		s.cancel()
		if s.ch != nil {
			s.mu.Lock()
			close(s.ch)
			s.mu.Unlock()
		}
	})
}
