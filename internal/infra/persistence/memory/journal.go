// Package memory provides an in-process order journal for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/coachpo/optflow/internal/domain/orderstore"
)

// Journal keeps order records in a map. It does not survive a restart.
type Journal struct {
	mu      sync.RWMutex
	records map[string]orderstore.OrderRecord
	closed  bool
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{records: make(map[string]orderstore.OrderRecord)}
}

// Save implements orderstore.Journal.
func (j *Journal) Save(_ context.Context, record orderstore.OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errClosed
	}
	if cur, ok := j.records[record.ClientRequestID]; ok && cur.Version > record.Version {
		return nil
	}
	j.records[record.ClientRequestID] = record
	return nil
}

// LoadOpen implements orderstore.Journal.
func (j *Journal) LoadOpen(_ context.Context) ([]orderstore.OrderRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]orderstore.OrderRecord, 0)
	for _, r := range j.records {
		if r.Open() {
			out = append(out, r)
		}
	}
	sortByUpdated(out)
	return out, nil
}

// List implements orderstore.Journal.
func (j *Journal) List(_ context.Context, query orderstore.OrderQuery) ([]orderstore.OrderRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]orderstore.OrderRecord, 0)
	for _, r := range j.records {
		if query.Matches(r) {
			out = append(out, r)
		}
	}
	sortByUpdated(out)
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// Close implements orderstore.Journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func sortByUpdated(records []orderstore.OrderRecord) {
	sort.Slice(records, func(i, k int) bool {
		return records[i].UpdatedAt.After(records[k].UpdatedAt)
	})
}

var errClosed = errors.New("memory journal: closed")
