// Package eventbus provides process-local publish/subscribe keyed by coarse filters.
package eventbus

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/researchspace/researchspace-sub019/internal/observability"
)

// DefaultBufferSize is the fallback buffer length for channel subscriptions.
const DefaultBufferSize = 64

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler receives events for a callback subscription. It runs synchronously inside Trigger.
type Handler func(ctx context.Context, evt Event) error

// Bus delivers events to the subscriptions whose filter matches.
type Bus interface {
	Trigger(ctx context.Context, evt Event) error
	Listen(filter Filter) *Stream
	Unsubscribe(id SubscriptionID)
	RegisterSource(ctx context.Context, src EventSource) error
	UnregisterSource(ctx context.Context, src EventSource) error
	Sources() []EventSource
	Close()
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	BufferSize int
	// DataCapBytes rejects events whose encoded Data exceeds the cap. Zero disables the check.
	DataCapBytes int
	Logger       observability.Logger
	Meter        metric.Meter
	// OnDeliveryError observes per-subscriber failures. It must not call back into the bus.
	OnDeliveryError func(*DeliveryError)
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.DataCapBytes < 0 {
		c.DataCapBytes = 0
	}
	return c
}
