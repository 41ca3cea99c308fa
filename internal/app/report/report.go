// Package report keeps the day's alert-worthy events and writes them out as
// an end-of-day CSV.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/observability"
)

// Entry is one report row.
type Entry struct {
	At       time.Time
	Strategy string
	Kind     schema.EventKind
	Details  string
}

// Recorder accumulates entries in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	loc     *time.Location
	log     observability.Logger
}

// NewRecorder builds a Recorder that stamps rows in loc (UTC when nil).
func NewRecorder(loc *time.Location, logger observability.Logger) *Recorder {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &Recorder{loc: loc, log: logger}
}

// Record keeps evt if it is alertable.
func (r *Recorder) Record(evt schema.StreamEvent) {
	if !evt.Alertable() {
		return
	}
	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	r.mu.Lock()
	r.entries = append(r.entries, Entry{At: at, Strategy: evt.StrategyID, Kind: evt.Kind, Details: evt.Summary()})
	r.mu.Unlock()
}

// Run records events until ctx ends or events closes.
func (r *Recorder) Run(ctx context.Context, events <-chan schema.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			r.Record(evt)
		}
	}
}

// Entries returns a copy of the recorded rows.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Reset clears the recorder for a new trading day.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
	r.log.Info("report: reset for new day")
}

// FileName returns the report file name for day (YYYY-MM-DD).
func FileName(day string) string {
	return fmt.Sprintf("EOD_Report_%s.csv", day)
}

// WriteCSV writes the day's rows to dir. It writes nothing and returns an
// empty path when no rows were recorded.
func (r *Recorder) WriteCSV(dir, day string) (string, error) {
	rows := r.Entries()
	if len(rows) == 0 {
		r.log.Info("report: no alerts recorded, skipping", observability.F("day", day))
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("report: create dir: %w", err)
	}
	path := filepath.Join(dir, FileName(day))
	tmp := path + ".tmp"
	// #nosec G304 -- dir is operator configuration.
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("report: create: %w", err)
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"timestamp", "strategy", "kind", "details"})
	for _, row := range rows {
		_ = w.Write([]string{
			row.At.In(r.loc).Format(time.DateTime),
			row.Strategy,
			string(row.Kind),
			row.Details,
		})
	}
	w.Flush()
	err = observability.AggregateErrors("report.write", []error{w.Error(), f.Close()}, observability.F("path", path))
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("report: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("report: rename: %w", err)
	}
	r.log.Info("report: written", observability.F("path", path), observability.F("rows", len(rows)))
	return path, nil
}
