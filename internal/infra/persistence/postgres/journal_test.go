package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
)

func TestJournalNilPool(t *testing.T) {
	journal := NewJournal(nil)
	ctx := context.Background()
	if err := journal.Save(ctx, orderstore.OrderRecord{}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := journal.LoadOpen(ctx); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := journal.List(ctx, orderstore.OrderQuery{}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestListQueryBuildsFilters(t *testing.T) {
	since := time.Date(2025, 1, 2, 9, 15, 0, 0, time.UTC)
	sql, args := listQuery(orderstore.OrderQuery{
		StrategyID: "s1",
		States:     []schema.OrderState{schema.OrderStateFilled, schema.OrderStateRejected},
		Since:      since,
		Limit:      5000,
	})
	for _, clause := range []string{"strategy_id = $1", "state = ANY($2)", "updated_at >= $3", "LIMIT $4"} {
		if !strings.Contains(sql, clause) {
			t.Fatalf("expected %q in %s", clause, sql)
		}
	}
	if len(args) != 4 {
		t.Fatalf("expected 4 args, got %d", len(args))
	}
	if args[3] != maxListLimit {
		t.Fatalf("expected limit clamped to %d, got %v", maxListLimit, args[3])
	}

	sql, args = listQuery(orderstore.OrderQuery{})
	if !strings.Contains(sql, "LIMIT $1") || args[0] != defaultListLimit {
		t.Fatalf("unexpected default query %s %v", sql, args)
	}
}

func TestRecordArgsEncodesSnapshot(t *testing.T) {
	args, err := recordArgs(orderstore.OrderRecord{
		OrderSnapshot: schema.OrderSnapshot{
			ClientRequestID: "c1",
			Quantity:        decimal.NewFromInt(50),
			Price:           decimal.RequireFromString("20.05"),
			State:           schema.OrderStateSubmitted,
		},
		Version: 3,
	})
	if err != nil {
		t.Fatalf("recordArgs: %v", err)
	}
	if args["version"] != int64(3) || args["state"] != "SUBMITTED" {
		t.Fatalf("unexpected args %v", args)
	}
	if !strings.Contains(args["snapshot"].(string), `"clientRequestId":"c1"`) {
		t.Fatalf("snapshot not encoded: %v", args["snapshot"])
	}
	if ts := args["last_broker_event_at"]; ts == nil {
		t.Fatalf("expected typed null timestamp")
	}
}
