package dispatcher

import (
	"testing"

	"pgregory.net/rapid"
)

// The queue behaves like a model that keeps the newest cap accepted quotes,
// where a quote is accepted only if its sequence beats the instrument's mark.
func TestQuoteQueueMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		q := newQuoteQueue(capacity)
		instruments := []string{"CE", "PE"}

		var model []uint64
		var modelInstr []string
		hwm := map[string]uint64{}

		n := rapid.IntRange(0, 60).Draw(t, "n")
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, "pop") {
				got, ok := q.pop()
				if len(model) == 0 {
					if ok {
						t.Fatalf("pop returned %v from empty queue", got)
					}
					continue
				}
				if !ok || got.Sequence != model[0] || got.Instrument != modelInstr[0] {
					t.Fatalf("pop = %v/%v, want %d/%s", got.Sequence, ok, model[0], modelInstr[0])
				}
				model, modelInstr = model[1:], modelInstr[1:]
				continue
			}
			instrument := rapid.SampledFrom(instruments).Draw(t, "instrument")
			seq := rapid.Uint64Range(1, 30).Draw(t, "seq")
			res := q.push(quote(instrument, seq))
			if seq <= hwm[instrument] {
				if res != skippedStale {
					t.Fatalf("expected stale skip for %s/%d", instrument, seq)
				}
				continue
			}
			hwm[instrument] = seq
			if len(model) == capacity {
				model, modelInstr = model[1:], modelInstr[1:]
				if res != pushedEvicting {
					t.Fatalf("expected eviction at capacity")
				}
			} else if res != pushed {
				t.Fatalf("unexpected push result %d", res)
			}
			model = append(model, seq)
			modelInstr = append(modelInstr, instrument)
		}
		if q.len() != len(model) {
			t.Fatalf("len = %d, want %d", q.len(), len(model))
		}
		last := map[string]uint64{}
		for {
			got, ok := q.pop()
			if !ok {
				break
			}
			if got.Sequence <= last[got.Instrument] {
				t.Fatalf("sequence regressed for %s: %d after %d", got.Instrument, got.Sequence, last[got.Instrument])
			}
			last[got.Instrument] = got.Sequence
		}
	})
}
