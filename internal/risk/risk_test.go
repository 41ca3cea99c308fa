package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
)

func TestGuard_CheckOrder_Throttle(t *testing.T) {
	guard := NewGuard(Limits{OrderThrottle: 10, Burst: 10})
	req := schema.OrderRequest{Instrument: "NIFTY25JAN30C", Quantity: decimal.NewFromInt(1)}

	for i := 0; i < 10; i++ {
		if err := guard.CheckOrder(context.Background(), req); err != nil {
			t.Fatalf("order %d should have passed, but got error: %v", i+1, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := guard.CheckOrder(ctx, req)
	if err == nil {
		t.Fatal("11th order should have been throttled, but it was not")
	}
	if !errs.HasCode(err, errs.CodeRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
}

func TestGuard_CheckOrder_QuantityLimit(t *testing.T) {
	guard := NewGuard(Limits{MaxOrderQuantity: decimal.NewFromInt(75)})

	if err := guard.CheckOrder(context.Background(), schema.OrderRequest{Quantity: decimal.NewFromInt(75)}); err != nil {
		t.Fatalf("order at the limit should pass: %v", err)
	}
	err := guard.CheckOrder(context.Background(), schema.OrderRequest{Quantity: decimal.NewFromInt(76)})
	if err == nil {
		t.Fatal("order should have been rejected due to quantity limit, but it was not")
	}
	var e *errs.E
	if !errors.As(err, &e) || e.Canonical != errs.CanonicalRiskLimit {
		t.Fatalf("expected risk limit error, got %v", err)
	}
}

func TestGuard_ZeroLimitsAllowEverything(t *testing.T) {
	guard := NewGuard(Limits{})
	for i := 0; i < 100; i++ {
		if err := guard.CheckOrder(context.Background(), schema.OrderRequest{Quantity: decimal.NewFromInt(1000)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	var nilGuard *Guard
	if err := nilGuard.CheckOrder(context.Background(), schema.OrderRequest{}); err != nil {
		t.Fatalf("nil guard should allow: %v", err)
	}
}
