// Package session decides whether the exchange is open for new entries.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/optflow/internal/domain/errs"
)

// Config describes exchange trading hours. Times are "HH:MM" in Timezone.
type Config struct {
	Timezone string   `yaml:"timezone"`
	Open     string   `yaml:"open"`
	Close    string   `yaml:"close"`
	Weekdays []string `yaml:"weekdays"`
	Holidays []string `yaml:"holidays"`
	// AlwaysOpen disables the gate, for paper trading outside market hours.
	AlwaysOpen bool `yaml:"alwaysOpen"`
}

// DefaultConfig returns NSE equity derivatives hours.
func DefaultConfig() Config {
	return Config{
		Timezone: "Asia/Kolkata",
		Open:     "09:15",
		Close:    "15:30",
		Weekdays: []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
	}
}

// Gate reports whether a moment falls inside a trading session.
type Gate interface {
	IsOpen(t time.Time) bool
}

// Hours is a Gate over a daily open/close window.
type Hours struct {
	loc        *time.Location
	open       time.Duration
	close      time.Duration
	days       map[time.Weekday]bool
	holidays   map[string]bool
	alwaysOpen bool
}

// New parses cfg. Empty fields fall back to DefaultConfig.
func New(cfg Config) (*Hours, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = def.Timezone
	}
	if strings.TrimSpace(cfg.Open) == "" {
		cfg.Open = def.Open
	}
	if strings.TrimSpace(cfg.Close) == "" {
		cfg.Close = def.Close
	}
	if len(cfg.Weekdays) == 0 {
		cfg.Weekdays = def.Weekdays
	}

	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	open, err := parseClock(cfg.Open)
	if err != nil {
		return nil, err
	}
	closeAt, err := parseClock(cfg.Close)
	if err != nil {
		return nil, err
	}
	if closeAt <= open {
		return nil, errs.New("session/new", errs.CodeInvalid, errs.WithMessage("close must be after open"))
	}
	h := &Hours{
		loc:        loc,
		open:       open,
		close:      closeAt,
		days:       make(map[time.Weekday]bool, len(cfg.Weekdays)),
		holidays:   make(map[string]bool, len(cfg.Holidays)),
		alwaysOpen: cfg.AlwaysOpen,
	}
	for _, name := range cfg.Weekdays {
		key := strings.ToLower(strings.TrimSpace(name))
		if len(key) > 3 {
			key = key[:3]
		}
		day, ok := weekdays[key]
		if !ok {
			return nil, errs.New("session/new", errs.CodeInvalid, errs.WithMessage("unknown weekday "+name))
		}
		h.days[day] = true
	}
	for _, raw := range cfg.Holidays {
		day, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
		if err != nil {
			return nil, errs.New("session/new", errs.CodeInvalid, errs.WithMessage("invalid holiday "+raw), errs.WithCause(err))
		}
		h.holidays[day.Format(time.DateOnly)] = true
	}
	return h, nil
}

// IsOpen implements Gate. The window is [open, close).
func (h *Hours) IsOpen(t time.Time) bool {
	if h == nil || h.alwaysOpen {
		return true
	}
	local := t.In(h.loc)
	if !h.days[local.Weekday()] || h.holidays[local.Format(time.DateOnly)] {
		return false
	}
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, h.loc)
	offset := local.Sub(midnight)
	return offset >= h.open && offset < h.close
}

// Location returns the exchange time zone.
func (h *Hours) Location() *time.Location {
	return h.loc
}

// Day returns the exchange calendar date of t, used to name daily reports.
func (h *Hours) Day(t time.Time) string {
	return t.In(h.loc).Format(time.DateOnly)
}

// Always is a Gate that is always open.
type Always struct{}

// IsOpen implements Gate.
func (Always) IsOpen(time.Time) bool { return true }

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func parseClock(raw string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, errs.New("session/new", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("invalid time %q, want HH:MM", raw)), errs.WithCause(err))
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func loadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc, nil
	}
	// Minimal containers often ship without tzdata.
	if name == "Asia/Kolkata" {
		return time.FixedZone("IST", 5*3600+1800), nil
	}
	return nil, errs.New("session/new", errs.CodeInvalid, errs.WithMessage("unknown timezone "+name), errs.WithCause(err))
}
