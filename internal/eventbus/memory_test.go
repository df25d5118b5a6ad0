package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/researchspace/researchspace-sub019/errs"
)

func newTestBus(t *testing.T, cfg MemoryConfig) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(cfg)
	t.Cleanup(bus.Close)
	return bus
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %+v", evt)
		}
	default:
	}
}

func TestTriggerWithoutSubscribersIsNoop(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	if err := bus.Trigger(context.Background(), Event{Type: ComponentLoaded}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTriggerRejectsEmptyType(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	err := bus.Trigger(context.Background(), Event{Source: "x"})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestTriggerEnforcesDataCap(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{DataCapBytes: 8})
	err := bus.Trigger(context.Background(), Event{Type: "T", Data: strings.Repeat("x", 9)})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected oversized data to be rejected, got %v", err)
	}
	if err := bus.Trigger(context.Background(), Event{Type: "T", Data: map[string]int{"a": 1}}); err != nil {
		t.Fatalf("small payload rejected: %v", err)
	}
}

func TestFilterMatching(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	ctx := context.Background()

	typed, _ := bus.Listen(Filter{EventType: "T"}).Subscribe(ctx)
	targeted, _ := bus.Listen(Filter{EventType: "T", Target: "y"}).Subscribe(ctx)
	sourced, _ := bus.Listen(Filter{Source: "x"}).Subscribe(ctx)
	other, _ := bus.Listen(Filter{EventType: "U"}).Subscribe(ctx)

	if err := bus.Trigger(ctx, Event{Type: "T", Source: "x", Targets: []string{"y"}}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	for _, sub := range []*Subscription{typed, targeted, sourced} {
		if got := receive(t, sub); got.Type != "T" {
			t.Fatalf("expected T, got %s", got.Type)
		}
	}
	expectNone(t, other)

	if err := bus.Trigger(ctx, Event{Type: "T", Source: "z"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	receive(t, typed)
	expectNone(t, targeted)
	expectNone(t, sourced)
}

func TestFilterMatches(t *testing.T) {
	evt := Event{Type: "T", Source: "x", Targets: []string{"a", "b"}}
	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"type", Filter{EventType: "T"}, true},
		{"wrong type", Filter{EventType: "U"}, false},
		{"source", Filter{Source: "x"}, true},
		{"wrong source", Filter{Source: "y"}, false},
		{"target", Filter{Target: "b"}, true},
		{"missing target", Filter{Target: "c"}, false},
		{"all", Filter{EventType: "T", Source: "x", Target: "a"}, true},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(evt); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
	if (Filter{Target: "a"}).Matches(Event{Type: "T"}) {
		t.Fatal("event without targets matched target filter")
	}
}

func TestDeliveryFollowsRegistrationOrder(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if _, err := bus.Listen(Filter{EventType: "T"}).Observe(func(context.Context, Event) error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	if err := bus.Trigger(context.Background(), Event{Type: "T"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("delivery order %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(order))
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	var (
		mu       sync.Mutex
		reported []*DeliveryError
	)
	bus := newTestBus(t, MemoryConfig{OnDeliveryError: func(err *DeliveryError) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}})

	boom := errors.New("handler failed")
	panicking, _ := bus.Listen(Filter{EventType: "T"}).Observe(func(context.Context, Event) error {
		panic("subscriber exploded")
	})
	failing, _ := bus.Listen(Filter{EventType: "T"}).Observe(func(context.Context, Event) error {
		return boom
	})
	var delivered bool
	_, _ = bus.Listen(Filter{EventType: "T"}).Observe(func(context.Context, Event) error {
		delivered = true
		return nil
	})

	if err := bus.Trigger(context.Background(), Event{Type: "T"}); err != nil {
		t.Fatalf("trigger returned subscriber failure: %v", err)
	}
	if !delivered {
		t.Fatal("healthy subscriber missed the event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 2 {
		t.Fatalf("expected 2 delivery errors, got %d", len(reported))
	}
	if reported[0].SubscriptionID != panicking.ID() || !strings.Contains(reported[0].Error(), "subscriber exploded") {
		t.Fatalf("unexpected panic report: %v", reported[0])
	}
	if reported[1].SubscriptionID != failing.ID() || !errors.Is(reported[1], boom) {
		t.Fatalf("unexpected error report: %v", reported[1])
	}
}

func TestSubscriptionRemovedMidTriggerIsSkipped(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	var second *Subscription
	var secondCalled bool
	_, _ = bus.Listen(Filter{EventType: "T"}).Observe(func(context.Context, Event) error {
		second.Close()
		return nil
	})
	second, _ = bus.Listen(Filter{EventType: "T"}).Observe(func(context.Context, Event) error {
		secondCalled = true
		return nil
	})

	if err := bus.Trigger(context.Background(), Event{Type: "T"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if secondCalled {
		t.Fatal("removed subscription received event")
	}
}

func TestSubscriptionAddedMidTriggerMissesEvent(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	var added *Subscription
	_, _ = bus.Listen(Filter{EventType: "T"}).Observe(func(context.Context, Event) error {
		if added == nil {
			added, _ = bus.Listen(Filter{EventType: "T"}).Subscribe(context.Background())
		}
		return nil
	})

	if err := bus.Trigger(context.Background(), Event{Type: "T"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	expectNone(t, added)

	if err := bus.Trigger(context.Background(), Event{Type: "T", Source: "second"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := receive(t, added); got.Source != "second" {
		t.Fatalf("expected second event, got %+v", got)
	}
}

func TestFullBufferDropsOldest(t *testing.T) {
	var drops int
	bus := newTestBus(t, MemoryConfig{BufferSize: 2, OnDeliveryError: func(err *DeliveryError) {
		if errs.Is(err, errs.CodeDeliveryFailed) {
			drops++
		}
	}})
	sub, err := bus.Listen(Filter{EventType: "T"}).Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, src := range []string{"1", "2", "3"} {
		if err := bus.Trigger(context.Background(), Event{Type: "T", Source: src}); err != nil {
			t.Fatalf("trigger: %v", err)
		}
	}
	if drops != 1 {
		t.Fatalf("expected one drop, got %d", drops)
	}
	if got := receive(t, sub); got.Source != "2" {
		t.Fatalf("expected oldest retained event 2, got %s", got.Source)
	}
	if got := receive(t, sub); got.Source != "3" {
		t.Fatalf("expected newest event 3, got %s", got.Source)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	sub, _ := bus.Listen(Filter{EventType: "T"}).Subscribe(context.Background())

	bus.Unsubscribe(sub.ID())
	bus.Unsubscribe(sub.ID())
	sub.Close()
	bus.Unsubscribe("unknown")

	if sub.Active() {
		t.Fatal("subscription still active")
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
	if bus.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", bus.Len())
	}
	if err := bus.Trigger(context.Background(), Event{Type: "T"}); err != nil {
		t.Fatalf("trigger after unsubscribe: %v", err)
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := bus.Listen(Filter{}).Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not removed after context cancel")
	}
	if bus.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", bus.Len())
	}
}

func TestStreamIsCold(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	stream := bus.Listen(Filter{EventType: "T"})
	if bus.Len() != 0 {
		t.Fatal("Listen registered a subscription")
	}
	a, _ := stream.Subscribe(context.Background())
	b, _ := stream.Subscribe(context.Background())
	if a.ID() == b.ID() {
		t.Fatal("subscriptions share an id")
	}
	a.Close()
	if err := bus.Trigger(context.Background(), Event{Type: "T"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	receive(t, b)
}

func TestClosedBusRejectsWork(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	sub, _ := bus.Listen(Filter{}).Subscribe(context.Background())
	bus.Close()
	bus.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
	if err := bus.Trigger(context.Background(), Event{Type: "T"}); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	stream := bus.Listen(Filter{})
	if stream == nil {
		t.Fatal("expected a stream from a closed bus")
	}
	if _, err := stream.Subscribe(context.Background()); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := stream.Observe(func(context.Context, Event) error { return nil }); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable from observe, got %v", err)
	}
	src := EventSource{Source: "graph", EventType: ComponentLoaded}
	if err := bus.RegisterSource(context.Background(), src); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable from register, got %v", err)
	}
	if err := bus.UnregisterSource(context.Background(), src); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable from unregister, got %v", err)
	}
}
