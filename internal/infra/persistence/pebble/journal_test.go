package pebble

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
)

var base = time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC)

func record(id string, state schema.OrderState, version int64, offset time.Duration) orderstore.OrderRecord {
	return orderstore.OrderRecord{
		OrderSnapshot: schema.OrderSnapshot{
			ClientRequestID: id,
			StrategyID:      "s1",
			Instrument:      "NIFTY25JAN23500CE",
			Side:            schema.SideSell,
			Type:            schema.OrderTypeMarket,
			Quantity:        decimal.NewFromInt(50),
			State:           state,
			UpdatedAt:       base.Add(offset),
		},
		Version: version,
	}
}

func openJournal(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := Open(path)
	require.NoError(t, err)
	return j
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal")

	j := openJournal(t, path)
	require.NoError(t, j.Save(ctx, record("c1", schema.OrderStateSubmitted, 1, 0)))
	require.NoError(t, j.Save(ctx, record("c2", schema.OrderStateAcknowledged, 1, time.Second)))
	require.NoError(t, j.Save(ctx, record("c3", schema.OrderStateFilled, 2, 2*time.Second)))
	require.NoError(t, j.Close())

	j = openJournal(t, path)
	defer j.Close()
	open, err := j.LoadOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "c2", open[0].ClientRequestID)
	assert.Equal(t, "c1", open[1].ClientRequestID)
	assert.True(t, open[1].Quantity.Equal(decimal.NewFromInt(50)))
}

func TestTerminalRecordLeavesOpenSet(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, filepath.Join(t.TempDir(), "journal"))
	defer j.Close()

	require.NoError(t, j.Save(ctx, record("c1", schema.OrderStateSubmitted, 1, 0)))
	require.NoError(t, j.Save(ctx, record("c1", schema.OrderStateCancelled, 2, time.Second)))

	open, err := j.LoadOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOlderVersionIgnored(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, filepath.Join(t.TempDir(), "journal"))
	defer j.Close()

	require.NoError(t, j.Save(ctx, record("c1", schema.OrderStateFilled, 5, time.Second)))
	require.NoError(t, j.Save(ctx, record("c1", schema.OrderStateSubmitted, 4, 0)))

	all, err := j.List(ctx, orderstore.OrderQuery{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, schema.OrderStateFilled, all[0].State)
	assert.Equal(t, int64(5), all[0].Version)

	open, err := j.LoadOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, filepath.Join(t.TempDir(), "journal"))
	defer j.Close()

	other := record("c3", schema.OrderStateFilled, 1, 3*time.Second)
	other.StrategyID = "s2"
	for _, r := range []orderstore.OrderRecord{
		record("c1", schema.OrderStateFilled, 1, 0),
		record("c2", schema.OrderStateRejected, 1, time.Second),
		other,
	} {
		require.NoError(t, j.Save(ctx, r))
	}

	got, err := j.List(ctx, orderstore.OrderQuery{StrategyID: "s1", States: []schema.OrderState{schema.OrderStateFilled}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ClientRequestID)

	got, err = j.List(ctx, orderstore.OrderQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c3", got[0].ClientRequestID)
}

func TestClosedJournal(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	assert.Error(t, j.Save(context.Background(), record("c1", schema.OrderStateSubmitted, 1, 0)))
	_, err := j.LoadOpen(context.Background())
	assert.Error(t, err)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(" ")
	assert.Error(t, err)
}
