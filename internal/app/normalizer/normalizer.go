// Package normalizer converts raw broker tick frames into canonical quotes.
//
// Malformed frames are counted and never surface as errors to the feed.
// Stale or repeated quotes for an instrument are dropped silently.
package normalizer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/infra/bus/eventbus"
	"github.com/coachpo/optflow/internal/observability"
	"github.com/coachpo/optflow/internal/telemetry"
)

// Sink receives accepted quotes. The dispatcher implements it.
type Sink interface {
	Publish(quote schema.Quote)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(schema.Quote)

func (f SinkFunc) Publish(q schema.Quote) { f(q) }

// Config configures a Normalizer.
type Config struct {
	Decoder Decoder
	Sink    Sink
	Events  eventbus.Publisher
	Logger  observability.Logger
}

// Stats counts the outcome of every decoded tick.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Malformed uint64 `json:"malformed"`
	Stale     uint64 `json:"stale"`
}

// mark is the per-instrument high-water state. native is the last feed
// sequence accepted and judges staleness of sequenced ticks; emitted is the
// last sequence handed downstream. They differ once a feed mixes sequenced
// and unsequenced ticks for one instrument.
type mark struct {
	native  uint64
	emitted uint64
	ts      time.Time
	last    Tick
}

// Normalizer validates, sequences and forwards ticks.
type Normalizer struct {
	decoder Decoder
	sink    Sink
	events  eventbus.Publisher
	logger  observability.Logger

	mu    sync.Mutex
	marks map[string]*mark

	accepted  atomic.Uint64
	malformed atomic.Uint64
	stale     atomic.Uint64

	acceptedCounter metric.Int64Counter
	rejectedCounter metric.Int64Counter
}

// New constructs a Normalizer. A nil decoder defaults to JSONDecoder.
func New(cfg Config) *Normalizer {
	if cfg.Decoder == nil {
		cfg.Decoder = JSONDecoder{}
	}
	if cfg.Sink == nil {
		cfg.Sink = SinkFunc(func(schema.Quote) {})
	}
	if cfg.Events == nil {
		cfg.Events = eventbus.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Log()
	}
	n := &Normalizer{
		decoder: cfg.Decoder,
		sink:    cfg.Sink,
		events:  cfg.Events,
		logger:  cfg.Logger,
		marks:   make(map[string]*mark),
	}
	meter := otel.Meter("normalizer")
	n.acceptedCounter, _ = meter.Int64Counter("quotes.accepted",
		metric.WithDescription("Quotes forwarded to the dispatcher"),
		metric.WithUnit("{quote}"))
	n.rejectedCounter, _ = meter.Int64Counter("quotes.rejected",
		metric.WithDescription("Ticks dropped as malformed or stale"),
		metric.WithUnit("{quote}"))
	return n
}

// Run ingests frames until the channel closes or ctx is done.
func (n *Normalizer) Run(ctx context.Context, ticks <-chan schema.RawTick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ticks:
			if !ok {
				return nil
			}
			n.Ingest(ctx, raw)
		}
	}
}

// Ingest decodes one frame and forwards every accepted quote. It returns the
// number of quotes forwarded.
func (n *Normalizer) Ingest(ctx context.Context, raw schema.RawTick) int {
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now().UTC()
	}
	ticks, err := n.decoder.Decode(raw)
	if err != nil {
		n.reject(ctx, "", "decode", err.Error())
	}
	forwarded := 0
	for _, tick := range ticks {
		quote, ok := n.Accept(ctx, tick)
		if !ok {
			continue
		}
		n.sink.Publish(quote)
		forwarded++
	}
	return forwarded
}

// Accept validates and sequences a tick. It reports false when the tick is
// malformed, stale, or a repeat of the last accepted tick.
func (n *Normalizer) Accept(ctx context.Context, tick Tick) (schema.Quote, bool) {
	quote := schema.Quote{
		Instrument: tick.Instrument,
		LastPrice:  tick.LastPrice,
		BidPrice:   tick.BidPrice,
		AskPrice:   tick.AskPrice,
		Timestamp:  tick.Timestamp,
	}
	if err := quote.Validate(); err != nil {
		n.reject(ctx, tick.Instrument, "malformed", err.Error())
		return schema.Quote{}, false
	}

	n.mu.Lock()
	m, ok := n.marks[tick.Instrument]
	if !ok {
		m = &mark{}
		n.marks[tick.Instrument] = m
	}
	switch {
	case tick.Sequence > 0 && tick.Sequence <= m.native:
		n.mu.Unlock()
		n.dropStale(ctx, tick.Instrument)
		return schema.Quote{}, false
	case tick.Sequence == 0 && ok && tick.Timestamp.Before(m.ts):
		n.mu.Unlock()
		n.dropStale(ctx, tick.Instrument)
		return schema.Quote{}, false
	case tick.Sequence == 0 && ok && sameTick(tick, m.last):
		n.mu.Unlock()
		n.dropStale(ctx, tick.Instrument)
		return schema.Quote{}, false
	}
	m.emitted++
	if tick.Sequence > 0 {
		m.native = tick.Sequence
		m.emitted = max(m.emitted, tick.Sequence)
	}
	if tick.Timestamp.After(m.ts) {
		m.ts = tick.Timestamp
	}
	m.last = tick
	quote.Sequence = m.emitted
	n.mu.Unlock()

	n.accepted.Add(1)
	n.acceptedCounter.Add(ctx, 1)
	return quote, true
}

// Stats returns the counters accumulated so far.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Accepted:  n.accepted.Load(),
		Malformed: n.malformed.Load(),
		Stale:     n.stale.Load(),
	}
}

func (n *Normalizer) dropStale(ctx context.Context, instrument string) {
	n.stale.Add(1)
	n.rejectedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.QuoteAttributes(instrument, "stale")...))
}

func (n *Normalizer) reject(ctx context.Context, instrument, reason, detail string) {
	n.malformed.Add(1)
	n.rejectedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.QuoteAttributes(instrument, reason)...))
	n.logger.Debug("normalizer: tick rejected",
		observability.F("instrument", instrument),
		observability.F("reason", reason),
		observability.F("detail", detail))
	_ = n.events.Publish(ctx, schema.StreamEvent{
		Kind:       schema.EventQuoteRejected,
		Instrument: instrument,
		Detail:     reason + ": " + detail,
	})
}

func sameTick(a, b Tick) bool {
	return a.Timestamp.Equal(b.Timestamp) &&
		a.LastPrice.Equal(b.LastPrice) &&
		a.BidPrice.Equal(b.BidPrice) &&
		a.AskPrice.Equal(b.AskPrice)
}
