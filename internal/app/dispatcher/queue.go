package dispatcher

import (
	"sync"

	"github.com/coachpo/optflow/internal/domain/schema"
)

// quoteQueue is a bounded FIFO that evicts its oldest entry when full.
// It also keeps a per-instrument high-water mark so a consumer never sees a
// sequence number at or below one it has already been handed.
type quoteQueue struct {
	mu     sync.Mutex
	buf    []schema.Quote
	head   int
	count  int
	closed bool
	hwm    map[string]uint64
	signal chan struct{}
}

type pushResult uint8

const (
	pushed pushResult = iota
	pushedEvicting
	skippedStale
	rejectedClosed
)

func newQuoteQueue(capacity int) *quoteQueue {
	return &quoteQueue{
		buf:    make([]schema.Quote, capacity),
		hwm:    make(map[string]uint64),
		signal: make(chan struct{}, 1),
	}
}

// push never blocks. Sequence zero marks an unsequenced quote and bypasses the mark.
func (q *quoteQueue) push(quote schema.Quote) pushResult {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return rejectedClosed
	}
	if quote.Sequence > 0 {
		if quote.Sequence <= q.hwm[quote.Instrument] {
			q.mu.Unlock()
			return skippedStale
		}
		q.hwm[quote.Instrument] = quote.Sequence
	}
	result := pushed
	if q.count == len(q.buf) {
		q.buf[q.head] = schema.Quote{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		result = pushedEvicting
	}
	q.buf[(q.head+q.count)%len(q.buf)] = quote
	q.count++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return result
}

func (q *quoteQueue) pop() (schema.Quote, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 || q.closed {
		return schema.Quote{}, false
	}
	out := q.buf[q.head]
	q.buf[q.head] = schema.Quote{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return out, true
}

func (q *quoteQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// close discards anything still queued.
func (q *quoteQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for i := range q.buf {
		q.buf[i] = schema.Quote{}
	}
	q.count = 0
}
