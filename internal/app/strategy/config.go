package strategy

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/risk"
)

// LegConfig parameterises one option leg.
type LegConfig struct {
	Name       string `yaml:"name"`
	Instrument string `yaml:"instrument"`
	// Side is the entry side. Short premium strategies enter with SELL, the default.
	Side       schema.Side     `yaml:"side"`
	Quantity   decimal.Decimal `yaml:"quantity"`
	EntryPrice decimal.Decimal `yaml:"entryPrice"`
	ExitFloor  decimal.Decimal `yaml:"exitFloor"`
	// StrikeGap is passed through to policies that select strikes; the runtime does not interpret it.
	StrikeGap int `yaml:"strikeGap"`
}

// Config is the immutable configuration of one strategy instance.
type Config struct {
	ID         string      `yaml:"id"`
	SymbolRoot string      `yaml:"symbolRoot"`
	Policy     string      `yaml:"policy"`
	Script     string      `yaml:"script"`
	Legs       []LegConfig `yaml:"legs"`
	Risk       risk.Limits `yaml:"risk"`
	// RejectCooldown is how long a leg waits before placing another order
	// after the broker refused one outright. Defaults to DefaultRejectCooldown.
	RejectCooldown time.Duration `yaml:"rejectCooldown"`
}

// DefaultRejectCooldown applies when Config.RejectCooldown is zero.
const DefaultRejectCooldown = time.Minute

// Validate checks the configuration and fills defaults in place.
func (c *Config) Validate() error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return errs.New("strategy/config", errs.CodeInvalid, errs.WithMessage("strategy id required"))
	}
	if len(c.Legs) == 0 {
		return errs.New("strategy/config", errs.CodeInvalid, errs.WithMessage("at least one leg required"), errs.WithField("strategy", c.ID))
	}
	switch {
	case c.RejectCooldown < 0:
		return errs.New("strategy/config", errs.CodeInvalid, errs.WithMessage("rejectCooldown must not be negative"), errs.WithField("strategy", c.ID))
	case c.RejectCooldown == 0:
		c.RejectCooldown = DefaultRejectCooldown
	}
	seen := make(map[string]struct{}, len(c.Legs))
	for i := range c.Legs {
		leg := &c.Legs[i]
		leg.Name = strings.TrimSpace(leg.Name)
		leg.Instrument = strings.TrimSpace(leg.Instrument)
		if leg.Name == "" {
			return errs.New("strategy/config", errs.CodeInvalid, errs.WithMessage("leg name required"), errs.WithField("strategy", c.ID))
		}
		if _, dup := seen[leg.Name]; dup {
			return errs.New("strategy/config", errs.CodeInvalid, errs.WithMessage("duplicate leg "+leg.Name), errs.WithField("strategy", c.ID))
		}
		seen[leg.Name] = struct{}{}
		if leg.Instrument == "" {
			return errs.New("strategy/config", errs.CodeInvalid, errs.WithMessage("leg instrument required"), errs.WithField("leg", leg.Name))
		}
		if !leg.Quantity.IsPositive() {
			return errs.New("strategy/config", errs.CodeInvalid, errs.WithMessage("leg quantity must be positive"), errs.WithField("leg", leg.Name))
		}
		if leg.EntryPrice.IsNegative() || leg.ExitFloor.IsNegative() {
			return errs.New("strategy/config", errs.CodeInvalid, errs.WithMessage("leg prices must not be negative"), errs.WithField("leg", leg.Name))
		}
		switch leg.Side {
		case "":
			leg.Side = schema.SideSell
		case schema.SideBuy, schema.SideSell:
		default:
			return errs.New("strategy/config", errs.CodeInvalid, errs.WithMessage("unknown side "+string(leg.Side)), errs.WithField("leg", leg.Name))
		}
	}
	return nil
}

// Instruments lists the distinct instruments traded by the legs.
func (c Config) Instruments() []string {
	out := make([]string, 0, len(c.Legs))
	seen := make(map[string]struct{}, len(c.Legs))
	for _, leg := range c.Legs {
		if _, ok := seen[leg.Instrument]; ok {
			continue
		}
		seen[leg.Instrument] = struct{}{}
		out = append(out, leg.Instrument)
	}
	return out
}
