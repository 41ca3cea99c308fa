// Package config loads the trader YAML configuration, expanding ${VAR}
// references from the environment before decoding.
package config

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/optflow/internal/app/notify"
	"github.com/coachpo/optflow/internal/app/session"
	"github.com/coachpo/optflow/internal/app/strategy"
	"github.com/coachpo/optflow/internal/infra/adapters/paper"
	"github.com/coachpo/optflow/internal/risk"
)

// LogConfig selects the log level and an optional file tee.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// FeedConfig configures the WebSocket ticker connection.
type FeedConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"apiKey"`
	AccessToken string `yaml:"accessToken"`
	Mode        string `yaml:"mode"`
	// Instruments is an optional Kite instruments CSV used to resolve tokens.
	Instruments  string            `yaml:"instruments"`
	Tokens       map[string]uint32 `yaml:"tokens"`
	PingInterval time.Duration     `yaml:"pingInterval"`
}

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	Prices             map[string]decimal.Decimal `yaml:"prices"`
	TickInterval       time.Duration              `yaml:"tickInterval"`
	Model              paper.PriceModel           `yaml:"model"`
	DuplicateCallbacks bool                       `yaml:"duplicateCallbacks"`
	RejectAbove        decimal.Decimal            `yaml:"rejectAbove"`
}

// BrokerConfig selects the market data feed. Orders always route to the
// paper broker until a live order adapter exists.
type BrokerConfig struct {
	Feed      FeedKind    `yaml:"feed"`
	Websocket FeedConfig  `yaml:"websocket"`
	Paper     PaperConfig `yaml:"paper"`
}

// DispatcherConfig sizes per-consumer quote queues.
type DispatcherConfig struct {
	QueueSize int `yaml:"queueSize"`
}

// RetryConfig bounds order submission retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// OrdersConfig tunes the order manager's reconcile sweep and retry.
type OrdersConfig struct {
	StuckAfter    time.Duration `yaml:"stuckAfter"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	SweepWorkers  int           `yaml:"sweepWorkers"`
	Retry         RetryConfig   `yaml:"retry"`
}

// APIServerConfig configures the HTTP status surface.
type APIServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// DatabaseConfig is the Postgres journal connection. Pool settings left at
// zero take the defaults below.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

const defaultJournalDSN = "postgresql://localhost:5432/optflow"

func positive[T int32 | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}

func (c *DatabaseConfig) applyDefaults() {
	if c.DSN = strings.TrimSpace(c.DSN); c.DSN == "" {
		c.DSN = defaultJournalDSN
	}
	c.MaxConns = positive(c.MaxConns, 8)
	c.MinConns = min(positive(c.MinConns, 1), c.MaxConns)
	c.MaxConnLifetime = positive(c.MaxConnLifetime, 30*time.Minute)
	c.MaxConnIdleTime = positive(c.MaxConnIdleTime, 5*time.Minute)
	c.HealthCheckPeriod = positive(c.HealthCheckPeriod, 30*time.Second)
}

func (c DatabaseConfig) validate() error {
	switch {
	case c.DSN == "":
		return errors.New("journal database dsn required")
	case c.MaxConns <= 0:
		return errors.New("journal database maxConns must be positive")
	case c.MinConns < 0 || c.MinConns > c.MaxConns:
		return fmt.Errorf("journal database minConns %d outside [0, %d]", c.MinConns, c.MaxConns)
	}
	return nil
}

// JournalConfig selects and configures the order journal.
type JournalConfig struct {
	Driver   JournalDriver  `yaml:"driver"`
	Path     string         `yaml:"path"`
	Database DatabaseConfig `yaml:"database"`
}

// AlertsConfig configures notification channels. A channel without a
// destination is disabled.
type AlertsConfig struct {
	SMTP    notify.SMTPConfig    `yaml:"smtp"`
	Webhook notify.WebhookConfig `yaml:"webhook"`
}

// SMTPEnabled reports whether email alerts are configured.
func (c AlertsConfig) SMTPEnabled() bool {
	return c.SMTP.Host != "" && len(c.SMTP.To) > 0
}

// WebhookEnabled reports whether webhook alerts are configured.
func (c AlertsConfig) WebhookEnabled() bool {
	return c.Webhook.URL != ""
}

// ReportConfig controls the end-of-day report.
type ReportConfig struct {
	Directory string `yaml:"directory"`
}

// AppConfig is the unified optflow configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Log         LogConfig         `yaml:"log"`
	Broker      BrokerConfig      `yaml:"broker"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Orders      OrdersConfig      `yaml:"orders"`
	Session     session.Config    `yaml:"session"`
	Risk        risk.Limits       `yaml:"risk"`
	Strategies  []strategy.Config `yaml:"strategies"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Journal     JournalConfig     `yaml:"journal"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Report      ReportConfig      `yaml:"report"`
}

// Load reads the YAML file at configPath and hands it to Parse.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx
	path := filepath.Clean(strings.TrimSpace(configPath))
	raw, err := os.ReadFile(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return AppConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes, normalises and validates raw YAML.
func Parse(raw []byte) (AppConfig, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Broker.Feed = FeedKind(normalizeIdentifier(string(c.Broker.Feed)))
	if c.Broker.Feed == "" {
		c.Broker.Feed = FeedSynthetic
	}
	c.Broker.Websocket.URL = strings.TrimSpace(c.Broker.Websocket.URL)
	if c.Broker.Paper.TickInterval <= 0 {
		c.Broker.Paper.TickInterval = time.Second
	}

	if c.Orders.StuckAfter <= 0 {
		c.Orders.StuckAfter = 30 * time.Second
	}
	if c.Orders.SweepInterval <= 0 {
		c.Orders.SweepInterval = 10 * time.Second
	}

	c.Journal.Driver = JournalDriver(normalizeIdentifier(string(c.Journal.Driver)))
	if c.Journal.Driver == "" {
		c.Journal.Driver = JournalPebble
	}
	if c.Journal.Driver == JournalPebble && strings.TrimSpace(c.Journal.Path) == "" {
		c.Journal.Path = filepath.Join("data", "journal")
	}
	if c.Journal.Driver == JournalPostgres {
		c.Journal.Database.applyDefaults()
	}

	c.APIServer.Addr = cmp.Or(strings.TrimSpace(c.APIServer.Addr), ":8880")
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = cmp.Or(strings.TrimSpace(c.Telemetry.ServiceName), "optflow")

	c.Alerts.SMTP.Host = strings.TrimSpace(c.Alerts.SMTP.Host)
	c.Alerts.Webhook.URL = strings.TrimSpace(c.Alerts.Webhook.URL)
	if dir := strings.TrimSpace(c.Report.Directory); dir != "" {
		c.Report.Directory = filepath.Clean(dir)
	} else {
		c.Report.Directory = "reports"
	}

	for i := range c.Strategies {
		if c.Strategies[i].Risk.MaxOrderQuantity.IsZero() && c.Strategies[i].Risk.OrderThrottle == 0 {
			c.Strategies[i].Risk = c.Risk
		}
	}
	return nil
}

// Validate checks cross-field rules: every strategy instrument must be
// priceable on the synthetic feed, strategy ids are unique, and the journal
// driver has what it needs.
func (c AppConfig) Validate() error {
	if !slices.Contains([]Environment{EnvDev, EnvStaging, EnvProd}, c.Environment) {
		return fmt.Errorf("environment %q not one of dev, staging, prod", c.Environment)
	}

	switch c.Broker.Feed {
	case FeedSynthetic:
		for inst, px := range c.Broker.Paper.Prices {
			if !px.IsPositive() {
				return fmt.Errorf("broker paper price for %s must be >0", inst)
			}
		}
	case FeedWebsocket:
		if !strings.HasPrefix(c.Broker.Websocket.URL, "ws://") && !strings.HasPrefix(c.Broker.Websocket.URL, "wss://") {
			return fmt.Errorf("broker websocket url must be ws:// or wss://")
		}
	default:
		return fmt.Errorf("broker feed must be synthetic or websocket")
	}

	if c.Dispatcher.QueueSize < 0 {
		return fmt.Errorf("dispatcher queueSize must be >=0")
	}
	if c.Orders.SweepWorkers < 0 {
		return fmt.Errorf("orders sweepWorkers must be >=0")
	}
	if c.Orders.Retry.MaxAttempts < 0 {
		return fmt.Errorf("orders retry maxAttempts must be >=0")
	}
	if c.Risk.MaxOrderQuantity.IsNegative() || c.Risk.OrderThrottle < 0 {
		return fmt.Errorf("risk limits must not be negative")
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy required")
	}
	seen := make(map[string]struct{}, len(c.Strategies))
	for _, s := range c.Strategies {
		sc := s
		sc.Legs = append([]strategy.LegConfig(nil), s.Legs...)
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("strategy %q: %w", s.ID, err)
		}
		if _, dup := seen[sc.ID]; dup {
			return fmt.Errorf("duplicate strategy id %q", sc.ID)
		}
		seen[sc.ID] = struct{}{}
		if sc.Policy == "script" && strings.TrimSpace(sc.Script) == "" {
			return fmt.Errorf("strategy %q: script policy requires script path", sc.ID)
		}
		if c.Broker.Feed == FeedSynthetic {
			for _, inst := range sc.Instruments() {
				if _, ok := c.Broker.Paper.Prices[inst]; !ok {
					return fmt.Errorf("strategy %q: no paper price for %s", sc.ID, inst)
				}
			}
		}
	}

	switch c.Journal.Driver {
	case JournalPebble:
		if strings.TrimSpace(c.Journal.Path) == "" {
			return fmt.Errorf("journal path required for pebble")
		}
	case JournalPostgres:
		if err := c.Journal.Database.validate(); err != nil {
			return err
		}
	case JournalMemory:
	default:
		return fmt.Errorf("journal driver must be pebble, postgres or memory")
	}

	if _, err := session.New(c.Session); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if c.Telemetry.ServiceName == "" {
		return errors.New("telemetry serviceName required")
	}
	return nil
}

// StrategyConfigs returns validated copies of the configured strategies.
func (c AppConfig) StrategyConfigs() ([]strategy.Config, error) {
	out := make([]strategy.Config, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		s.Legs = append([]strategy.LegConfig(nil), s.Legs...)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
