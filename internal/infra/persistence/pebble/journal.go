// Package pebble provides the default crash-safe order journal on an
// embedded Pebble key-value store.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/telemetry"
)

// keys: o:<clientRequestID> holds the record, p:<clientRequestID> marks it open.
const (
	recordPrefix = "o:"
	openPrefix   = "p:"
)

func recordKey(id string) []byte { return []byte(recordPrefix + id) }
func openKey(id string) []byte   { return []byte(openPrefix + id) }

// prefixUpperBound returns the smallest key greater than every key with the prefix.
func prefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

// Journal implements orderstore.Journal. Every write is synced before Save returns.
type Journal struct {
	mu     sync.Mutex
	db     *pebble.DB
	writes metric.Int64Counter
}

var _ orderstore.Journal = (*Journal)(nil)

// Open opens or creates the store at path.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("pebble journal: path required")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble journal: open %s: %w", path, err)
	}
	writes, _ := otel.Meter("persistence.pebble").Int64Counter("journal.writes",
		metric.WithDescription("Order journal writes"),
		metric.WithUnit("{write}"))
	return &Journal{db: db, writes: writes}, nil
}

// Save implements orderstore.Journal.
func (j *Journal) Save(ctx context.Context, record orderstore.OrderRecord) error {
	err := j.save(record)
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultFailure
	}
	if j.writes != nil {
		j.writes.Add(ctx, 1, metric.WithAttributes(telemetry.JournalAttributes("pebble", result)...))
	}
	return err
}

func (j *Journal) save(record orderstore.OrderRecord) error {
	id := record.ClientRequestID
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("pebble journal: client request id required")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("pebble journal: encode %s: %w", id, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return errClosed
	}
	current, found, err := j.get(id)
	if err != nil {
		return err
	}
	if found && current.Version > record.Version {
		return nil
	}

	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(recordKey(id), data, nil); err != nil {
		return fmt.Errorf("pebble journal: stage %s: %w", id, err)
	}
	if record.Open() {
		err = batch.Set(openKey(id), nil, nil)
	} else {
		err = batch.Delete(openKey(id), nil)
	}
	if err != nil {
		return fmt.Errorf("pebble journal: stage index %s: %w", id, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble journal: commit %s: %w", id, err)
	}
	return nil
}

func (j *Journal) get(id string) (orderstore.OrderRecord, bool, error) {
	val, closer, err := j.db.Get(recordKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return orderstore.OrderRecord{}, false, nil
	}
	if err != nil {
		return orderstore.OrderRecord{}, false, fmt.Errorf("pebble journal: get %s: %w", id, err)
	}
	defer closer.Close()
	var out orderstore.OrderRecord
	if err := json.Unmarshal(val, &out); err != nil {
		return orderstore.OrderRecord{}, false, fmt.Errorf("pebble journal: decode %s: %w", id, err)
	}
	return out, true, nil
}

// LoadOpen implements orderstore.Journal.
func (j *Journal) LoadOpen(_ context.Context) ([]orderstore.OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, errClosed
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(openPrefix),
		UpperBound: prefixUpperBound(openPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble journal: iterate: %w", err)
	}
	ids := make([]string, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, strings.TrimPrefix(string(iter.Key()), openPrefix))
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("pebble journal: iterate: %w", err)
	}

	out := make([]orderstore.OrderRecord, 0, len(ids))
	for _, id := range ids {
		record, found, err := j.get(id)
		if err != nil {
			return nil, err
		}
		if found && record.Open() {
			out = append(out, record)
		}
	}
	sortByUpdated(out)
	return out, nil
}

// List implements orderstore.Journal. It scans every record.
func (j *Journal) List(_ context.Context, query orderstore.OrderQuery) ([]orderstore.OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, errClosed
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(recordPrefix),
		UpperBound: prefixUpperBound(recordPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble journal: iterate: %w", err)
	}
	out := make([]orderstore.OrderRecord, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var record orderstore.OrderRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("pebble journal: decode %s: %w", iter.Key(), err)
		}
		if query.Matches(record) {
			out = append(out, record)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("pebble journal: iterate: %w", err)
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
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func sortByUpdated(records []orderstore.OrderRecord) {
	sort.SliceStable(records, func(i, k int) bool {
		return records[i].UpdatedAt.After(records[k].UpdatedAt)
	})
}

var errClosed = errors.New("pebble journal: closed")
