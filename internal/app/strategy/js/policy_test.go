package js

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/app/strategy"
	"github.com/coachpo/optflow/internal/domain/schema"
)

const floorScript = `
module.exports = {
  shouldEnter: function (leg, quote) { return quote.last >= leg.entryTrigger; },
  shouldExit: function (leg, quote) {
    // Trail: exit once the premium has halved from entry.
    return leg.entryPrice > 0 && quote.last <= leg.entryPrice / 2;
  },
};
`

func view(entryPrice int64) strategy.LegView {
	return strategy.LegView{
		StrategyID: "strangle-1",
		SymbolRoot: "NIFTY",
		Config: strategy.LegConfig{
			Name:       "CE",
			Instrument: "NIFTY25JAN30C",
			Side:       schema.SideSell,
			Quantity:   decimal.NewFromInt(50),
			EntryPrice: decimal.NewFromInt(18),
		},
		LegSnapshot: schema.LegSnapshot{
			Name:       "CE",
			Instrument: "NIFTY25JAN30C",
			State:      schema.LegOpen,
			EntryPrice: decimal.NewFromInt(entryPrice),
		},
	}
}

func quote(last float64) schema.Quote {
	return schema.Quote{Instrument: "NIFTY25JAN30C", LastPrice: decimal.NewFromFloat(last), Sequence: 1, Timestamp: time.Now()}
}

func TestScriptPolicyDecisions(t *testing.T) {
	p, err := NewScriptPolicy("floor.js", floorScript, nil)
	if err != nil {
		t.Fatalf("NewScriptPolicy: %v", err)
	}
	defer p.Close()

	if p.ShouldEnter(view(0), quote(17.5)) {
		t.Fatal("entered below trigger")
	}
	if !p.ShouldEnter(view(0), quote(18)) {
		t.Fatal("did not enter at trigger")
	}
	if p.ShouldExit(view(20), quote(10.5)) {
		t.Fatal("exited above half of entry")
	}
	if !p.ShouldExit(view(20), quote(10)) {
		t.Fatal("did not exit at half of entry")
	}
}

func TestScriptPolicyRequiresBothFunctions(t *testing.T) {
	_, err := NewScriptPolicy("half.js", `module.exports = { shouldEnter: function () { return true; } };`, nil)
	if !errors.Is(err, ErrFunctionMissing) {
		t.Fatalf("expected ErrFunctionMissing, got %v", err)
	}
	if _, err := NewScriptPolicy("broken.js", `module.exports = {`, nil); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestScriptPolicyErrorsMeanNo(t *testing.T) {
	p, err := NewScriptPolicy("throws.js", `
exports.shouldEnter = function () { throw new Error("boom"); };
exports.shouldExit = function () { for (;;) {} };
`, nil)
	if err != nil {
		t.Fatalf("NewScriptPolicy: %v", err)
	}
	defer p.Close()
	p.SetTimeout(20 * time.Millisecond)

	if p.ShouldEnter(view(0), quote(20)) {
		t.Fatal("throwing script must not enter")
	}
	if p.ShouldExit(view(20), quote(1)) {
		t.Fatal("runaway script must not exit")
	}
	// The VM stays usable after an interrupt.
	if p.ShouldEnter(view(0), quote(20)) {
		t.Fatal("throwing script must not enter")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floor.js")
	if err := os.WriteFile(path, []byte(floorScript), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer p.Close()
	if !p.ShouldEnter(view(0), quote(30)) {
		t.Fatal("loaded policy did not enter")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.js"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestScriptPolicyTopLevelFunctions(t *testing.T) {
	p, err := NewScriptPolicy("plain.js", `
function shouldEnter(leg, quote) { return quote.last >= leg.entryTrigger; }
function shouldExit(leg, quote) { return false; }
`, nil)
	if err != nil {
		t.Fatalf("NewScriptPolicy: %v", err)
	}
	defer p.Close()
	if !p.ShouldEnter(view(0), quote(18)) {
		t.Fatal("top-level shouldEnter not used")
	}
}

func TestShippedPremiumDecayPolicy(t *testing.T) {
	p, err := LoadFile(filepath.Join("..", "..", "..", "..", "config", "policies", "premium_decay.js"), nil)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer p.Close()
	if !p.ShouldEnter(view(0), quote(18)) {
		t.Fatal("expected entry at trigger")
	}
	if !p.ShouldExit(view(20), quote(40)) {
		t.Fatal("expected exit once premium doubles")
	}
	if p.ShouldExit(view(20), quote(25)) {
		t.Fatal("unexpected exit above floor")
	}
}

func TestClosedInstanceRejectsCalls(t *testing.T) {
	prog, err := Compile("noop.js", `exports.f = function () { return 1; };`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	inst, err := NewInstance("noop.js", prog)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	v, err := inst.Call(0, "f")
	if err != nil || v.ToInteger() != 1 {
		t.Fatalf("Call: %v %v", v, err)
	}
	if _, err := inst.Call(0, "g"); !errors.Is(err, ErrFunctionMissing) {
		t.Fatalf("expected ErrFunctionMissing, got %v", err)
	}
	inst.Close()
	inst.Close()
	if _, err := inst.Call(0, "f"); err == nil {
		t.Fatal("expected error after Close")
	}
}
