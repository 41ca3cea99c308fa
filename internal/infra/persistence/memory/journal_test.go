package memory

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
)

func record(id string, state schema.OrderState, version int64, updated time.Time) orderstore.OrderRecord {
	return orderstore.OrderRecord{
		OrderSnapshot: schema.OrderSnapshot{ClientRequestID: id, StrategyID: "s1", State: state, UpdatedAt: updated},
		Version:       version,
	}
}

func TestJournalKeepsNewestVersion(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	now := time.Now()

	_ = j.Save(ctx, record("a", schema.OrderStateAcknowledged, 3, now))
	_ = j.Save(ctx, record("a", schema.OrderStateSubmitted, 2, now))
	_ = j.Save(ctx, record("b", schema.OrderStateFilled, 4, now.Add(time.Second)))

	open, err := j.LoadOpen(ctx)
	if err != nil {
		t.Fatalf("LoadOpen: %v", err)
	}
	if len(open) != 1 || open[0].State != schema.OrderStateAcknowledged {
		t.Fatalf("unexpected open records %+v", open)
	}
	all, _ := j.List(ctx, orderstore.OrderQuery{StrategyID: "s1"})
	if len(all) != 2 || all[0].ClientRequestID != "b" {
		t.Fatalf("expected most recent first, got %+v", all)
	}
	_ = j.Close()
	if err := j.Save(ctx, record("c", schema.OrderStateCreated, 1, now)); err == nil {
		t.Fatal("expected error after close")
	}
}
