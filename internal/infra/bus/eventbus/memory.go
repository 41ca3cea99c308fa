package eventbus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/observability"
	"github.com/coachpo/optflow/internal/telemetry"
)

type busMetrics struct {
	published   metric.Int64Counter
	dropped     metric.Int64Counter
	subscribers metric.Int64UpDownCounter
	latency     metric.Float64Histogram
}

func newBusMetrics() busMetrics {
	meter := otel.Meter("eventbus")
	var m busMetrics
	m.published, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Events accepted by the bus"), metric.WithUnit("{event}"))
	m.dropped, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Events evicted from a full subscriber buffer"), metric.WithUnit("{event}"))
	m.subscribers, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Live subscriptions"), metric.WithUnit("{subscriber}"))
	m.latency, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Fan-out time per publish"), metric.WithUnit("ms"))
	return m
}

// MemoryBus is the in-process Bus. Publish never blocks: a subscriber whose
// buffer is full loses its oldest pending event.
type MemoryBus struct {
	cfg     MemoryConfig
	metrics busMetrics

	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64

	mu   sync.RWMutex
	subs map[SubscriptionID]*subscriber
}

type subscriber struct {
	id    SubscriptionID
	all   bool
	kinds map[schema.EventKind]struct{}
	ch    chan schema.StreamEvent
	stop  context.CancelFunc

	// mu orders sends against close.
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) wants(kind schema.EventKind) bool {
	if s.all {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	return &MemoryBus{
		cfg:     cfg.normalize(),
		metrics: newBusMetrics(),
		done:    make(chan struct{}),
		subs:    make(map[SubscriptionID]*subscriber),
	}
}

func (b *MemoryBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Publish stamps the event time if unset and offers the event to every
// matching subscriber.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.StreamEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	switch {
	case evt.Kind == "":
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event kind required"))
	case b.isClosed():
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	started := time.Now()
	kind := attribute.String("kind", string(evt.Kind))

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(evt.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	b.metrics.published.Add(ctx, 1, metric.WithAttributes(kind, telemetry.AttrEnvironment.String(telemetry.Environment())))
	switch len(targets) {
	case 0:
		return nil
	case 1:
		b.offer(ctx, targets[0], evt)
	default:
		p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
		for _, sub := range targets {
			p.Go(func() { b.offer(ctx, sub, evt) })
		}
		p.Wait()
	}
	b.metrics.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000, metric.WithAttributes(kind))
	return nil
}

// Subscribe registers for kinds, or for everything when none are given.
// The channel closes on Unsubscribe, when ctx ends, or when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, kinds ...schema.EventKind) (SubscriptionID, <-chan schema.StreamEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.isClosed() {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	subCtx, stop := context.WithCancel(ctx)
	sub := &subscriber{
		id:    SubscriptionID("sub-" + strconv.FormatUint(b.seq.Add(1), 10)),
		all:   len(kinds) == 0,
		kinds: make(map[schema.EventKind]struct{}, len(kinds)),
		ch:    make(chan schema.StreamEvent, b.cfg.BufferSize),
		stop:  stop,
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	b.metrics.subscribers.Add(ctx, 1)

	go func() {
		select {
		case <-subCtx.Done():
		case <-b.done:
		}
		b.drop(sub.id)
	}()
	return sub.id, sub.ch, nil
}

func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id != "" {
		b.drop(id)
	}
}

// Close ends every subscription. Later publishes fail with CodeUnavailable.
func (b *MemoryBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		subs := b.subs
		b.subs = make(map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			b.metrics.subscribers.Add(context.Background(), -1)
			sub.close()
		}
	})
}

func (b *MemoryBus) drop(id SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		b.metrics.subscribers.Add(context.Background(), -1)
		sub.close()
	}
}

// offer enqueues evt, evicting the oldest buffered event when full.
func (b *MemoryBus) offer(ctx context.Context, sub *subscriber, evt schema.StreamEvent) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case sub.ch <- evt:
			return
		default:
		}
		select {
		case <-sub.ch:
			b.metrics.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(evt.Kind))))
			observability.Log().Debug("eventbus: buffer full, evicted oldest",
				observability.F("subscription", sub.id),
				observability.F("kind", evt.Kind))
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stop()
	close(s.ch)
}
