package js

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dop251/goja"

	"github.com/coachpo/optflow/internal/app/strategy"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/observability"
)

// DefaultCallTimeout bounds a single policy decision.
const DefaultCallTimeout = 50 * time.Millisecond

// ScriptPolicy is a strategy.Policy implemented by a script exporting
// shouldEnter(leg, quote) and shouldExit(leg, quote). Script errors count as
// "no" and are logged.
type ScriptPolicy struct {
	inst    *Instance
	timeout time.Duration
	log     observability.Logger
}

var _ strategy.Policy = (*ScriptPolicy)(nil)

// Compile parses source into a program.
func Compile(name string, source string) (*goja.Program, error) {
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("policy compile %q: %w", name, err)
	}
	return prog, nil
}

// LoadFile compiles the script at path and builds a policy from it.
func LoadFile(path string, logger observability.Logger) (*ScriptPolicy, error) {
	// #nosec G304 -- path comes from operator configuration.
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy load %q: %w", path, err)
	}
	return NewScriptPolicy(filepath.Base(path), string(source), logger)
}

// NewScriptPolicy compiles and evaluates source.
func NewScriptPolicy(name, source string, logger observability.Logger) (*ScriptPolicy, error) {
	prog, err := Compile(name, source)
	if err != nil {
		return nil, err
	}
	inst, err := NewInstance(name, prog)
	if err != nil {
		return nil, err
	}
	for _, fn := range []string{"shouldEnter", "shouldExit"} {
		if !inst.Has(fn) {
			inst.Close()
			return nil, fmt.Errorf("policy %s: %s: %w", name, fn, ErrFunctionMissing)
		}
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &ScriptPolicy{
		inst:    inst,
		timeout: DefaultCallTimeout,
		log:     observability.With(logger, observability.F("policy", name)),
	}, nil
}

// SetTimeout overrides DefaultCallTimeout. Zero disables the limit.
func (p *ScriptPolicy) SetTimeout(d time.Duration) {
	p.timeout = d
}

// ShouldEnter implements strategy.Policy.
func (p *ScriptPolicy) ShouldEnter(leg strategy.LegView, quote schema.Quote) bool {
	return p.decide("shouldEnter", leg, quote)
}

// ShouldExit implements strategy.Policy.
func (p *ScriptPolicy) ShouldExit(leg strategy.LegView, quote schema.Quote) bool {
	return p.decide("shouldExit", leg, quote)
}

// Close releases the VM.
func (p *ScriptPolicy) Close() {
	p.inst.Close()
}

func (p *ScriptPolicy) decide(fn string, leg strategy.LegView, quote schema.Quote) bool {
	value, err := p.inst.Call(p.timeout, fn, legObject(leg), quoteObject(quote))
	if err != nil {
		p.log.Error("policy: script call failed",
			observability.F("function", fn),
			observability.F("leg", leg.Name),
			observability.Err(err))
		return false
	}
	return value.ToBoolean()
}

func legObject(leg strategy.LegView) map[string]any {
	return map[string]any{
		"strategy":     leg.StrategyID,
		"symbolRoot":   leg.SymbolRoot,
		"name":         leg.Name,
		"instrument":   leg.Instrument,
		"state":        string(leg.State),
		"side":         string(leg.Config.Side),
		"quantity":     leg.Config.Quantity.InexactFloat64(),
		"openQuantity": leg.Quantity.InexactFloat64(),
		"entryTrigger": leg.Config.EntryPrice.InexactFloat64(),
		"entryPrice":   leg.EntryPrice.InexactFloat64(),
		"exitFloor":    leg.Config.ExitFloor.InexactFloat64(),
		"strikeGap":    leg.Config.StrikeGap,
	}
}

func quoteObject(q schema.Quote) map[string]any {
	return map[string]any{
		"instrument": q.Instrument,
		"last":       q.LastPrice.InexactFloat64(),
		"bid":        q.BidPrice.InexactFloat64(),
		"ask":        q.AskPrice.InexactFloat64(),
		"sequence":   q.Sequence,
		"timestamp":  q.Timestamp.UnixMilli(),
	}
}
