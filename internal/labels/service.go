package labels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/researchspace/researchspace-sub019/errs"
	"github.com/researchspace/researchspace-sub019/internal/batcher"
	"github.com/researchspace/researchspace-sub019/internal/eventbus"
	"github.com/researchspace/researchspace-sub019/internal/infra/telemetry"
	"github.com/researchspace/researchspace-sub019/internal/observability"
	"github.com/researchspace/researchspace-sub019/lib/async"
)

// Event types exchanged with the bus.
const (
	ResourceUpdated   = "Resource.Updated"
	ResourceDeleted   = "Resource.Deleted"
	LabelsInvalidated = "Labels.Invalidated"
)

// Fetcher resolves labels for a set of IRIs in one call.
type Fetcher interface {
	Fetch(ctx context.Context, iris []string) (map[string]string, error)
}

// Config wires a Service.
type Config struct {
	Name          string
	Fetcher       Fetcher
	Bus           eventbus.Bus
	CacheSize     int
	BatchSize     int
	DelayInterval time.Duration
	Pool          *async.Pool
	Logger        observability.Logger
	Meter         metric.Meter
}

// Service answers label lookups through a shared batcher and an LRU of outcomes.
type Service struct {
	name    string
	batcher *batcher.Batcher[string, string]
	cache   *cache
	bus     eventbus.Bus
	logger  observability.Logger
	subs    []*eventbus.Subscription
	once    sync.Once

	lookups metric.Int64Counter
}

// New constructs the service, subscribes it to resource change events and registers it as
// the source of LabelsInvalidated.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Fetcher == nil {
		return nil, errs.New("labels", errs.CodeInvalid, errs.WithMessage("fetcher required"))
	}
	if cfg.Name == "" {
		cfg.Name = "labels"
	}
	c, err := newCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("labels cache: %w", err)
	}
	b, err := batcher.New(batcher.Config[string, string]{
		Name:          cfg.Name,
		BatchSize:     cfg.BatchSize,
		DelayInterval: cfg.DelayInterval,
		Fetch:         cfg.Fetcher.Fetch,
		Pool:          cfg.Pool,
		Logger:        cfg.Logger,
		Meter:         cfg.Meter,
	})
	if err != nil {
		return nil, err
	}

	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("labels")
	}
	s := &Service{
		name:    cfg.Name,
		batcher: b,
		cache:   c,
		bus:     cfg.Bus,
		logger:  observability.Or(cfg.Logger),
	}
	s.lookups, _ = meter.Int64Counter("labels.lookups",
		metric.WithDescription("Label lookups split by cache outcome"),
		metric.WithUnit("{lookup}"))

	if s.bus != nil {
		if err := s.attach(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) attach(ctx context.Context) error {
	for _, typ := range []string{ResourceUpdated, ResourceDeleted} {
		sub, err := s.bus.Listen(eventbus.Filter{EventType: typ}).Observe(s.onResourceChanged)
		if err != nil {
			return fmt.Errorf("labels subscribe %s: %w", typ, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.RegisterSource(ctx, eventbus.EventSource{Source: s.name, EventType: LabelsInvalidated}); err != nil {
		return fmt.Errorf("labels register source: %w", err)
	}
	return nil
}

// Label returns the label of iri. ok is false when the endpoint knows no label for it.
func (s *Service) Label(ctx context.Context, iri string) (string, bool, error) {
	if iri == "" {
		return "", false, errs.New("labels", errs.CodeInvalid, errs.WithMessage("iri required"))
	}
	if e, hit := s.cache.get(iri); hit {
		s.record(ctx, "hit")
		return e.label, e.found, nil
	}
	s.record(ctx, "miss")
	gen := s.cache.generation()
	res, err := s.batcher.Query(ctx, iri)
	if err != nil {
		return "", false, err
	}
	s.cache.putAt(iri, entry{label: res.Value, found: res.Found}, gen)
	return res.Value, res.Found, nil
}

// Labels resolves several IRIs. IRIs without a label are absent from the result. Lookups
// share batches with concurrent callers; the first failure cancels the remaining waits.
func (s *Service) Labels(ctx context.Context, iris []string) (map[string]string, error) {
	out := make(map[string]string, len(iris))
	pending := make(map[string]*batcher.Pending[string])
	gen := s.cache.generation()
	for _, iri := range iris {
		if iri == "" {
			continue
		}
		if _, seen := pending[iri]; seen {
			continue
		}
		if _, done := out[iri]; done {
			continue
		}
		if e, hit := s.cache.get(iri); hit {
			s.record(ctx, "hit")
			if e.found {
				out[iri] = e.label
			}
			continue
		}
		s.record(ctx, "miss")
		pending[iri] = s.batcher.Enqueue(iri)
	}
	if len(pending) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for iri, handle := range pending {
		p.Go(func(ctx context.Context) error {
			res, err := handle.Wait(ctx)
			if err != nil {
				return err
			}
			s.cache.putAt(iri, entry{label: res.Value, found: res.Found}, gen)
			if res.Found {
				mu.Lock()
				out[iri] = res.Value
				mu.Unlock()
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate drops cached outcomes for iris and announces the ones that were cached.
func (s *Service) Invalidate(ctx context.Context, iris []string) error {
	evicted := s.cache.evict(iris)
	if len(evicted) == 0 || s.bus == nil {
		return nil
	}
	s.logger.Debug("labels invalidated",
		observability.F("service", s.name),
		observability.F("iris", len(evicted)))
	return s.bus.Trigger(ctx, eventbus.Event{
		Type:    LabelsInvalidated,
		Source:  s.name,
		Targets: evicted,
	})
}

func (s *Service) onResourceChanged(ctx context.Context, evt eventbus.Event) error {
	if len(evt.Targets) == 0 {
		return nil
	}
	return s.Invalidate(ctx, evt.Targets)
}

// Cached reports the number of cached outcomes.
func (s *Service) Cached() int {
	return s.cache.len()
}

// Close detaches from the bus and shuts the batcher down, waiting for in-flight fetches
// until ctx ends.
func (s *Service) Close() {
	_ = s.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		for _, sub := range s.subs {
			sub.Close()
		}
		if s.bus != nil {
			_ = s.bus.UnregisterSource(ctx, eventbus.EventSource{Source: s.name, EventType: LabelsInvalidated})
		}
		err = s.batcher.Shutdown(ctx)
	})
	return err
}

func (s *Service) record(ctx context.Context, outcome string) {
	if s.lookups == nil {
		return
	}
	attrs := telemetry.ComponentAttributes(telemetry.Environment(), s.name)
	attrs = append(attrs, telemetry.AttrCache.String(outcome))
	s.lookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}
