// Package dispatcher fans normalized quotes out to subscribed strategy consumers.
//
// Publish never blocks the producer. Each subscription owns a bounded queue
// and a single delivery goroutine, so a slow consumer only loses its own
// oldest quotes and never delays anyone else.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/infra/bus/eventbus"
	"github.com/coachpo/optflow/internal/observability"
	"github.com/coachpo/optflow/internal/telemetry"
)

// DefaultQueueSize is the per-consumer queue capacity when none is configured.
const DefaultQueueSize = 256

// SubscriptionID identifies one subscription handle.
type SubscriptionID string

// Handler receives quotes for one subscription, always from the same goroutine.
// Its context is cancelled when the subscription ends.
type Handler func(ctx context.Context, quote schema.Quote)

// Config configures a Dispatcher.
type Config struct {
	QueueSize int
	Events    eventbus.Publisher
	Logger    observability.Logger
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Events == nil {
		c.Events = eventbus.Discard
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	return c
}

// ConsumerStats is a point-in-time view of one subscription.
type ConsumerStats struct {
	ID          SubscriptionID `json:"id"`
	ConsumerID  string         `json:"consumerId"`
	Instruments []string       `json:"instruments"`
	Depth       int            `json:"depth"`
	Delivered   uint64         `json:"delivered"`
	Dropped     uint64         `json:"dropped"`
	Skipped     uint64         `json:"skipped"`
}

// Dispatcher routes quotes by instrument to subscriptions.
type Dispatcher struct {
	cfg Config

	// mu guards the routing index. Publish holds the read side for the whole
	// fan-out so Unsubscribe's write lock fences out any later enqueue.
	mu        sync.RWMutex
	index     map[string]map[SubscriptionID]*consumer
	consumers map[SubscriptionID]*consumer
	closed    bool
	nextID    atomic.Uint64
	wg        sync.WaitGroup

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	deliveryDuration metric.Float64Histogram
}

type consumer struct {
	id          SubscriptionID
	consumerID  string
	instruments []string
	handler     Handler
	queue       *quoteQueue

	ctx    context.Context
	cancel context.CancelFunc

	// deliverMu is held for the duration of each handler call.
	deliverMu sync.Mutex
	stopped   atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	skipped   atomic.Uint64
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg.normalize(),
		index:     make(map[string]map[SubscriptionID]*consumer),
		consumers: make(map[SubscriptionID]*consumer),
	}
	meter := otel.Meter("dispatcher")
	d.publishedCounter, _ = meter.Int64Counter("dispatcher.quotes.published",
		metric.WithDescription("Quotes accepted for fan-out"),
		metric.WithUnit("{quote}"))
	d.droppedCounter, _ = meter.Int64Counter("dispatcher.quotes.dropped",
		metric.WithDescription("Queued quotes evicted because a consumer fell behind"),
		metric.WithUnit("{quote}"))
	d.deliveryDuration, _ = meter.Float64Histogram("dispatcher.delivery.duration",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("ms"))
	return d
}

// Subscribe registers handler for quotes on the given instruments and starts
// the subscription's delivery goroutine.
func (d *Dispatcher) Subscribe(consumerID string, instruments []string, handler Handler) (SubscriptionID, error) {
	consumerID = strings.TrimSpace(consumerID)
	if consumerID == "" {
		return "", errs.New("dispatcher/subscribe", errs.CodeInvalid, errs.WithMessage("consumer id required"))
	}
	if handler == nil {
		return "", errs.New("dispatcher/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	set := normalizeInstruments(instruments)
	if len(set) == 0 {
		return "", errs.New("dispatcher/subscribe", errs.CodeInvalid,
			errs.WithMessage("at least one instrument required"), errs.WithField("consumer", consumerID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		id:          SubscriptionID(fmt.Sprintf("%s#%d", consumerID, d.nextID.Add(1))),
		consumerID:  consumerID,
		instruments: set,
		handler:     handler,
		queue:       newQuoteQueue(d.cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		stop:        make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return "", errs.New("dispatcher/subscribe", errs.CodeUnavailable, errs.WithMessage("dispatcher closed"))
	}
	d.consumers[c.id] = c
	for _, instrument := range set {
		subs, ok := d.index[instrument]
		if !ok {
			subs = make(map[SubscriptionID]*consumer)
			d.index[instrument] = subs
		}
		subs[c.id] = c
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(c)
	d.cfg.Logger.Debug("dispatcher: subscribed",
		observability.F("subscription", c.id), observability.F("instruments", set))
	return c.id, nil
}

// Unsubscribe removes the subscription. When it returns, any handler call that
// was in flight has completed and no further quote will be delivered.
//
// Calling Unsubscribe from inside the same subscription's handler deadlocks;
// handlers that want to stop themselves should return and let their owner
// unsubscribe.
func (d *Dispatcher) Unsubscribe(id SubscriptionID) bool {
	d.mu.Lock()
	c, ok := d.consumers[id]
	if ok {
		d.detach(c)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	c.shutdown()
	c.awaitIdle()
	d.cfg.Logger.Debug("dispatcher: unsubscribed", observability.F("subscription", id))
	return true
}

// Publish routes the quote to every subscription of its instrument. It never blocks.
func (d *Dispatcher) Publish(quote schema.Quote) {
	d.mu.RLock()
	subs := d.index[quote.Instrument]
	if len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	var evicted []*consumer
	for _, c := range subs {
		switch c.queue.push(quote) {
		case pushedEvicting:
			c.dropped.Add(1)
			evicted = append(evicted, c)
		case skippedStale:
			c.skipped.Add(1)
		}
	}
	d.mu.RUnlock()

	ctx := context.Background()
	d.publishedCounter.Add(ctx, 1)
	for _, c := range evicted {
		d.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrConsumer.String(c.consumerID),
			telemetry.AttrInstrument.String(quote.Instrument)))
		_ = d.cfg.Events.Publish(ctx, schema.StreamEvent{
			Kind:       schema.EventQuoteDropped,
			ConsumerID: c.consumerID,
			Instrument: quote.Instrument,
			Dropped:    c.dropped.Load(),
		})
	}
}

// Stats returns the counters of one subscription.
func (d *Dispatcher) Stats(id SubscriptionID) (ConsumerStats, bool) {
	d.mu.RLock()
	c, ok := d.consumers[id]
	d.mu.RUnlock()
	if !ok {
		return ConsumerStats{}, false
	}
	return c.stats(), true
}

// AllStats returns the counters of every live subscription ordered by id.
func (d *Dispatcher) AllStats() []ConsumerStats {
	d.mu.RLock()
	out := make([]ConsumerStats, 0, len(d.consumers))
	for _, c := range d.consumers {
		out = append(out, c.stats())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribers reports how many subscriptions are registered for an instrument.
func (d *Dispatcher) Subscribers(instrument string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index[instrument])
}

// Close ends every subscription and waits for delivery goroutines to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	all := make([]*consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		all = append(all, c)
		d.detach(c)
	}
	d.mu.Unlock()
	for _, c := range all {
		c.shutdown()
	}
	d.wg.Wait()
}

// detach removes c from the index; callers hold d.mu.
func (d *Dispatcher) detach(c *consumer) {
	delete(d.consumers, c.id)
	for _, instrument := range c.instruments {
		if subs, ok := d.index[instrument]; ok {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(d.index, instrument)
			}
		}
	}
}

func (d *Dispatcher) run(c *consumer) {
	defer d.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-c.queue.signal:
		}
		for d.deliverNext(c) {
		}
	}
}

// deliverNext hands one queued quote to the handler. It returns false when
// the queue is empty or the subscription has ended.
func (d *Dispatcher) deliverNext(c *consumer) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.stopped.Load() {
		return false
	}
	quote, ok := c.queue.pop()
	if !ok {
		return false
	}
	start := time.Now()
	d.invoke(c, quote)
	c.delivered.Add(1)
	d.deliveryDuration.Record(context.Background(), float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(telemetry.AttrConsumer.String(c.consumerID)))
	return true
}

func (d *Dispatcher) invoke(c *consumer, quote schema.Quote) {
	defer func() {
		if r := recover(); r != nil {
			d.cfg.Logger.Error("dispatcher: handler panic",
				observability.F("subscription", c.id),
				observability.F("instrument", quote.Instrument),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	c.handler(c.ctx, quote)
}

func (c *consumer) shutdown() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.queue.close()
		c.cancel()
		close(c.stop)
	})
}

// awaitIdle returns once no handler call is in progress.
func (c *consumer) awaitIdle() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
}

func (c *consumer) stats() ConsumerStats {
	return ConsumerStats{
		ID:          c.id,
		ConsumerID:  c.consumerID,
		Instruments: append([]string(nil), c.instruments...),
		Depth:       c.queue.len(),
		Delivered:   c.delivered.Load(),
		Dropped:     c.dropped.Load(),
		Skipped:     c.skipped.Load(),
	}
}

func normalizeInstruments(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		instrument := strings.TrimSpace(raw)
		if instrument == "" {
			continue
		}
		if _, dup := seen[instrument]; dup {
			continue
		}
		seen[instrument] = struct{}{}
		out = append(out, instrument)
	}
	sort.Strings(out)
	return out
}
