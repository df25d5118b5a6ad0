package eventbus

import (
	"cmp"
	"context"
	"slices"

	"github.com/researchspace/researchspace-sub019/errs"
)

// RegisterSource records that src.Source emits src.EventType. Registrations are reference
// counted; the first reference triggers SourceRegistered.
//
// Registration and its announcement happen under one lock, so observers see source events in
// registration order. Handlers of source events must not register or unregister sources.
func (b *MemoryBus) RegisterSource(ctx context.Context, src EventSource) error {
	if src.Source == "" || src.EventType == "" {
		return errs.New("eventbus/sources", errs.CodeInvalid,
			errs.WithMessage("event source requires source and event type"))
	}
	b.sourcesMu.Lock()
	defer b.sourcesMu.Unlock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBusClosed
	}
	b.sources[src]++
	first := b.sources[src] == 1
	b.mu.Unlock()

	if !first {
		return nil
	}
	return b.Trigger(ctx, Event{Type: SourceRegistered, Source: src.Source, Data: src})
}

// UnregisterSource drops one reference to src. Releasing the last reference triggers
// SourceUnregistered; unknown sources are ignored.
func (b *MemoryBus) UnregisterSource(ctx context.Context, src EventSource) error {
	b.sourcesMu.Lock()
	defer b.sourcesMu.Unlock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBusClosed
	}
	count, ok := b.sources[src]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	last := count <= 1
	if last {
		delete(b.sources, src)
	} else {
		b.sources[src] = count - 1
	}
	b.mu.Unlock()

	if !last {
		return nil
	}
	return b.Trigger(ctx, Event{Type: SourceUnregistered, Source: src.Source, Data: src})
}

// Sources returns the registered event sources ordered by source then event type.
func (b *MemoryBus) Sources() []EventSource {
	b.mu.RLock()
	out := make([]EventSource, 0, len(b.sources))
	for src := range b.sources {
		out = append(out, src)
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(a, c EventSource) int {
		if n := cmp.Compare(a.Source, c.Source); n != 0 {
			return n
		}
		return cmp.Compare(a.EventType, c.EventType)
	})
	return out
}
