package eventbus

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/researchspace/researchspace-sub019/errs"
	"github.com/researchspace/researchspace-sub019/internal/infra/telemetry"
	"github.com/researchspace/researchspace-sub019/internal/observability"
)

var _ Bus = (*MemoryBus)(nil)

// MemoryBus is an in-memory implementation of Bus. Delivery is synchronous and follows
// registration order.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	order        []*Subscription
	byID         map[SubscriptionID]*Subscription
	sources      map[EventSource]int
	closed       bool
	shutdownOnce sync.Once

	// sourcesMu serialises source registration with its announcement so
	// SourceRegistered and SourceUnregistered for one source never reorder.
	sourcesMu sync.Mutex

	triggeredCounter     metric.Int64Counter
	subscriberGauge      metric.Int64UpDownCounter
	deliveryErrorCounter metric.Int64Counter
	droppedCounter       metric.Int64Counter
	fanoutHistogram      metric.Int64Histogram
	triggerDuration      metric.Float64Histogram
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.logger = observability.Or(cfg.Logger)
	bus.ctx = ctx
	bus.cancel = cancel
	bus.byID = make(map[SubscriptionID]*Subscription)
	bus.sources = make(map[EventSource]int)

	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("eventbus")
	}
	bus.triggeredCounter, _ = meter.Int64Counter("eventbus.events.triggered",
		metric.WithDescription("Number of events triggered on the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of per-subscriber delivery failures"),
		metric.WithUnit("{error}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of matching subscriptions per trigger"),
		metric.WithUnit("{subscriber}"))
	bus.triggerDuration, _ = meter.Float64Histogram("eventbus.trigger.duration",
		metric.WithDescription("Latency of synchronous trigger delivery"),
		metric.WithUnit("ms"))

	return bus
}

// Listen returns a cold stream of events matching filter.
func (b *MemoryBus) Listen(filter Filter) *Stream {
	return &Stream{bus: b, filter: filter}
}

// Trigger delivers evt to every matching subscription registered at call time.
func (b *MemoryBus) Trigger(ctx context.Context, evt Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("eventbus/trigger", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if err := enforceDataCap(evt, b.cfg.DataCapBytes); err != nil {
		return err
	}

	start := time.Now()
	result := "success"
	defer func() {
		if b.triggerDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus", "trigger", result)
			attrs = append(attrs, telemetry.AttrEventType.String(evt.Type))
			b.triggerDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	// Snapshot so subscriptions added during delivery miss the in-flight event.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		result = "closed"
		return errBusClosed
	}
	matched := make([]*Subscription, 0, len(b.order))
	for _, sub := range b.order {
		if sub.filter.Matches(evt) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	attrs := metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), evt.Type)...)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(matched)), attrs)
	}
	if b.triggeredCounter != nil {
		b.triggeredCounter.Add(ctx, 1, attrs)
	}
	if len(matched) == 0 {
		result = "no_subscribers"
		return nil
	}

	for _, sub := range matched {
		// Removed by an earlier handler in this same trigger.
		if !sub.Active() {
			continue
		}
		if err := b.deliver(ctx, sub, evt); err != nil {
			result = "partial"
			b.reportDeliveryError(ctx, sub, evt, err)
		}
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub *Subscription, evt Event) error {
	if sub.handler == nil {
		_, dropped := sub.offer(evt)
		if dropped {
			if b.droppedCounter != nil {
				b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
					telemetry.EventAttributes(telemetry.Environment(), evt.Type)...))
			}
			return errBufferFull
		}
		return nil
	}

	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = sub.handler(ctx, evt)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		return errs.New("eventbus/deliver", errs.CodeDeliveryFailed,
			errs.WithMessage("subscriber panicked"),
			errs.WithCause(recovered.AsError()))
	}
	return err
}

func (b *MemoryBus) reportDeliveryError(ctx context.Context, sub *Subscription, evt Event, cause error) {
	derr := &DeliveryError{SubscriptionID: sub.id, EventType: evt.Type, Cause: cause}
	b.logger.Error("eventbus delivery failed",
		observability.F("subscription", string(sub.id)),
		observability.F("event_type", evt.Type),
		observability.F("source", evt.Source),
		observability.F("delivery", sub.delivery()),
		observability.F("error", cause))
	if b.deliveryErrorCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), evt.Type)
		attrs = append(attrs,
			telemetry.AttrDelivery.String(sub.delivery()),
			telemetry.AttrErrorType.String(string(errs.CodeOf(cause))))
		b.deliveryErrorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if b.cfg.OnDeliveryError != nil {
		b.cfg.OnDeliveryError(derr)
	}
}

// attach registers a subscription. A nil handler selects channel delivery bound to ctx.
func (b *MemoryBus) attach(ctx context.Context, filter Filter, handler Handler) (*Subscription, error) {
	if ctx == nil {
		ctx = b.ctx
	}
	sub := &Subscription{
		id:      SubscriptionID(uuid.NewString()),
		filter:  filter,
		bus:     b,
		handler: handler,
	}
	sub.ctx, sub.cancel = context.WithCancel(ctx)
	if handler == nil {
		sub.ch = make(chan Event, b.cfg.BufferSize)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.cancel()
		return nil, errBusClosed
	}
	b.order = append(b.order, sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.ComponentAttributes(telemetry.Environment(), "eventbus")...))
	}
	b.logger.Debug("eventbus subscription added",
		observability.F("subscription", string(sub.id)),
		observability.F("event_type", filter.EventType),
		observability.F("delivery", sub.delivery()))

	go b.observe(sub)
	return sub, nil
}

// Unsubscribe removes the subscription. Unknown and repeated IDs are ignored.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub := b.removeLocked(id)
	b.mu.Unlock()
	if sub == nil {
		return
	}
	sub.close()
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.ComponentAttributes(telemetry.Environment(), "eventbus")...))
	}
}

func (b *MemoryBus) removeLocked(id SubscriptionID) *Subscription {
	sub, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)
	if idx := slices.Index(b.order, sub); idx >= 0 {
		b.order = slices.Delete(b.order, idx, idx+1)
	}
	// Mark removed before releasing the lock so a running trigger skips it.
	sub.removed.Store(true)
	return sub
}

func (b *MemoryBus) observe(sub *Subscription) {
	<-sub.ctx.Done()
	b.Unsubscribe(sub.id)
}

// Close removes every subscription; later calls to Trigger and Subscribe fail.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := b.order
		b.order = nil
		b.byID = make(map[SubscriptionID]*Subscription)
		for _, sub := range subs {
			sub.removed.Store(true)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
		if b.subscriberGauge != nil && len(subs) > 0 {
			b.subscriberGauge.Add(context.Background(), -int64(len(subs)), metric.WithAttributes(
				telemetry.ComponentAttributes(telemetry.Environment(), "eventbus")...))
		}
		b.cancel()
	})
}

// Len reports the number of active subscriptions.
func (b *MemoryBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}
