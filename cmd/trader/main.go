// Command trader runs the option-selling engine: market data in, strategy
// decisions, order lifecycle tracking and the status API.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/optflow/internal/app/dispatcher"
	"github.com/coachpo/optflow/internal/app/normalizer"
	"github.com/coachpo/optflow/internal/app/notify"
	"github.com/coachpo/optflow/internal/app/orders"
	"github.com/coachpo/optflow/internal/app/report"
	"github.com/coachpo/optflow/internal/app/session"
	"github.com/coachpo/optflow/internal/app/strategy"
	"github.com/coachpo/optflow/internal/app/strategy/js"
	"github.com/coachpo/optflow/internal/domain/broker"
	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/infra/adapters/paper"
	"github.com/coachpo/optflow/internal/infra/adapters/wsfeed"
	"github.com/coachpo/optflow/internal/infra/bus/eventbus"
	"github.com/coachpo/optflow/internal/infra/config"
	"github.com/coachpo/optflow/internal/infra/persistence"
	httpserver "github.com/coachpo/optflow/internal/infra/server/http"
	"github.com/coachpo/optflow/internal/observability"
	"github.com/coachpo/optflow/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	defaultEnvFile           = ".env"
	traderLoggerPrefix       = "trader "
	policyScript             = "script"
	kiteVersionHeader        = "X-Kite-Version"
	kiteVersion              = "3"
	shutdownTimeout          = 30 * time.Second
	strategyShutdownTimeout  = 5 * time.Second
	reportShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	journalShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type flags struct {
	configPath string
	envFile    string
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newTraderLogger()

	if loaded, err := loadEnvFile(opts.envFile); err != nil {
		logger.Fatalf("load env file: %v", err)
	} else if loaded {
		logger.Printf("environment loaded from %s", opts.envFile)
	}

	configPath := resolveConfigPath(opts.configPath)
	appCfg, err := config.Load(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, feed=%s, strategies=%d",
		appCfg.Environment, appCfg.Broker.Feed, len(appCfg.Strategies))

	zapLogger, err := observability.NewZapLogger(observability.ZapConfig{Level: appCfg.Log.Level, File: appCfg.Log.File})
	if err != nil {
		logger.Fatalf("initialise logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	observability.SetLogger(zapLogger)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	journal, err := persistence.Open(ctx, appCfg.Journal, zapLogger)
	if err != nil {
		logger.Fatalf("open order journal: %v", err)
	}

	strategies, err := appCfg.StrategyConfigs()
	if err != nil {
		logger.Fatalf("validate strategies: %v", err)
	}
	instruments := allInstruments(strategies)

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})

	var lifecycle conc.WaitGroup

	paperBroker := paper.New(paper.Options{
		Prices:             appCfg.Broker.Paper.Prices,
		TickInterval:       appCfg.Broker.Paper.TickInterval,
		Model:              appCfg.Broker.Paper.Model,
		DuplicateCallbacks: appCfg.Broker.Paper.DuplicateCallbacks,
		RejectAbove:        appCfg.Broker.Paper.RejectAbove,
		Logger:             zapLogger,
	})

	quoteRouter := dispatcher.New(dispatcher.Config{
		QueueSize: appCfg.Dispatcher.QueueSize,
		Events:    bus,
		Logger:    zapLogger,
	})
	if _, err := quoteRouter.Subscribe(paper.Source, instruments, func(_ context.Context, q schema.Quote) {
		paperBroker.Observe(q)
	}); err != nil {
		logger.Fatalf("subscribe paper broker: %v", err)
	}

	tokens, err := loadTokens(appCfg.Broker.Websocket)
	if err != nil {
		logger.Fatalf("load instrument tokens: %v", err)
	}
	source, err := buildQuoteSource(appCfg, tokens, paperBroker, zapLogger)
	if err != nil {
		logger.Fatalf("initialise market data: %v", err)
	}
	ticks, err := source.StreamQuotes(ctx, instruments)
	if err != nil {
		logger.Fatalf("stream quotes: %v", err)
	}
	norm := normalizer.New(normalizer.Config{
		Decoder: normalizer.NewRoutingDecoder(tokens),
		Sink:    quoteRouter,
		Events:  bus,
		Logger:  zapLogger,
	})
	lifecycle.Go(func() {
		if err := norm.Run(ctx, ticks); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("normalizer stopped", observability.Err(err))
		}
	})

	orderManager, err := buildOrderManager(appCfg.Orders, paperBroker, journal, bus, zapLogger)
	if err != nil {
		logger.Fatalf("initialise order manager: %v", err)
	}
	restored, err := orderManager.Restore(ctx)
	if err != nil {
		logger.Fatalf("restore open orders: %v", err)
	}
	logger.Printf("open orders restored: %d", restored)
	lifecycle.Go(func() {
		if err := orderManager.Run(ctx, paperBroker.OrderUpdates()); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("order manager stopped", observability.Err(err))
		}
	})

	gate, err := session.New(appCfg.Session)
	if err != nil {
		logger.Fatalf("initialise session hours: %v", err)
	}

	runtimes, err := startStrategies(ctx, strategies, quoteRouter, orderManager, gate, bus, zapLogger)
	if err != nil {
		logger.Fatalf("start strategies: %v", err)
	}
	logger.Printf("strategy instances running: %d", len(runtimes))

	alerter, err := buildAlerter(appCfg.Alerts, zapLogger)
	if err != nil {
		logger.Fatalf("initialise alerts: %v", err)
	}
	if alerter.Enabled() {
		if err := runOnBus(ctx, &lifecycle, bus, alerter.Run); err != nil {
			logger.Fatalf("subscribe alerts: %v", err)
		}
	}

	recorder := report.NewRecorder(gate.Location(), zapLogger)
	if err := runOnBus(ctx, &lifecycle, bus, recorder.Run); err != nil {
		logger.Fatalf("subscribe report: %v", err)
	}

	handler := httpserver.NewHandler(httpserver.Deps{
		Environment:    string(appCfg.Environment),
		Orders:         orderManager,
		Strategies:     strategyViews(runtimes),
		Dispatcher:     quoteRouter,
		Events:         bus,
		AllowedOrigins: appCfg.APIServer.AllowedOrigins,
		Logger:         zapLogger,
	})
	lifecycle.Go(func() {
		if err := httpserver.Serve(ctx, appCfg.APIServer.Addr, handler, zapLogger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("status server: %v", err)
		}
	})
	logger.Printf("status API listening on %s", appCfg.APIServer.Addr)

	logger.Print("trader started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		runtimes:   runtimes,
		report:     recorder,
		reportDir:  appCfg.Report.Directory,
		gate:       gate,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		dispatcher: quoteRouter,
		bus:        bus,
		journal:    journal,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&f.envFile, "env-file", defaultEnvFile, "Optional dotenv file loaded before the configuration")
	flag.Parse()
	return f
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newTraderLogger() *log.Logger {
	return log.New(os.Stdout, traderLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// loadEnvFile reads path into the process environment. A missing file is not an error.
func loadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, err
	}
	return true, nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	tc := telemetry.DefaultConfig()
	tc.OTLPEndpoint = cmp.Or(cfg.OTLPEndpoint, tc.OTLPEndpoint)
	tc.ServiceName = cmp.Or(cfg.ServiceName, tc.ServiceName)
	tc.MetricInterval = cmp.Or(cfg.MetricInterval, tc.MetricInterval)
	tc.Environment = string(env)
	tc.OTLPInsecure = cfg.OTLPInsecure
	tc.Enabled = tc.Enabled || cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, tc)
	if err != nil {
		return nil, err
	}
	if !tc.Enabled {
		logger.Print("telemetry: metrics export off")
		return provider, nil
	}
	logger.Printf("telemetry: exporting %s metrics to %s every %s", tc.ServiceName, tc.OTLPEndpoint, tc.MetricInterval)
	return provider, nil
}

// loadTokens builds the instrument token map from the configured CSV and
// inline overrides. Inline tokens win.
func loadTokens(cfg config.FeedConfig) (*normalizer.TokenMap, error) {
	tokens := normalizer.NewTokenMap()
	if cfg.Instruments != "" {
		f, err := os.Open(cfg.Instruments)
		if err != nil {
			return nil, fmt.Errorf("open instruments %s: %w", cfg.Instruments, err)
		}
		defer f.Close()
		if tokens, err = normalizer.LoadTokenMap(f); err != nil {
			return nil, fmt.Errorf("parse instruments %s: %w", cfg.Instruments, err)
		}
	}
	for symbol, token := range cfg.Tokens {
		tokens.Add(token, symbol)
	}
	return tokens, nil
}

func buildQuoteSource(cfg config.AppConfig, tokens *normalizer.TokenMap, sim *paper.Broker, logger observability.Logger) (broker.QuoteSource, error) {
	if cfg.Broker.Feed != config.FeedWebsocket {
		return sim, nil
	}
	ws := cfg.Broker.Websocket
	feedURL, err := feedURL(ws)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set(kiteVersionHeader, kiteVersion)
	return wsfeed.New(wsfeed.Config{
		URL:          feedURL,
		Headers:      headers,
		Mode:         ws.Mode,
		Tokens:       tokens,
		PingInterval: ws.PingInterval,
		Logger:       logger,
	})
}

// feedURL adds the ticker credentials as query parameters.
func feedURL(cfg config.FeedConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	if cfg.APIKey != "" {
		q.Set("api_key", cfg.APIKey)
	}
	if cfg.AccessToken != "" {
		q.Set("access_token", cfg.AccessToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func buildOrderManager(cfg config.OrdersConfig, placer broker.OrderPlacer, journal orderstore.Journal, bus eventbus.Publisher, logger observability.Logger) (*orders.Manager, error) {
	return orders.NewManager(orders.Config{
		Placer:        placer,
		Journal:       journal,
		Events:        bus,
		Logger:        logger,
		StuckAfter:    cfg.StuckAfter,
		SweepInterval: cfg.SweepInterval,
		SweepWorkers:  cfg.SweepWorkers,
		Retry: orders.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
	})
}

// buildPolicy returns the entry/exit policy named by cfg.Policy.
func buildPolicy(cfg strategy.Config, logger observability.Logger) (strategy.Policy, error) {
	if cfg.Policy != policyScript {
		return strategy.FloorPolicy{}, nil
	}
	policy, err := js.LoadFile(cfg.Script, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", cfg.ID, err)
	}
	return policy, nil
}

func startStrategies(ctx context.Context, configs []strategy.Config, router strategy.QuoteRouter, book strategy.OrderBook, gate session.Gate, bus eventbus.Publisher, logger observability.Logger) ([]*strategy.Runtime, error) {
	runtimes := make([]*strategy.Runtime, 0, len(configs))
	for _, sc := range configs {
		policy, err := buildPolicy(sc, logger)
		if err != nil {
			stopAll(runtimes)
			return nil, err
		}
		rt, err := strategy.New(sc, strategy.Deps{
			Router: router,
			Orders: book,
			Policy: policy,
			Gate:   gate,
			Events: bus,
			Logger: logger,
		})
		if err != nil {
			stopAll(runtimes)
			return nil, err
		}
		if err := rt.Start(ctx); err != nil {
			stopAll(runtimes)
			return nil, err
		}
		runtimes = append(runtimes, rt)
	}
	return runtimes, nil
}

func stopAll(runtimes []*strategy.Runtime) {
	for _, rt := range runtimes {
		rt.Stop()
	}
}

func buildAlerter(cfg config.AlertsConfig, logger observability.Logger) (*notify.Alerter, error) {
	var notifiers []notify.Notifier
	if cfg.SMTPEnabled() {
		n, err := notify.NewSMTPNotifier(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.WebhookEnabled() {
		n, err := notify.NewWebhookNotifier(cfg.Webhook)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notify.NewAlerter(logger, notifiers...), nil
}

// runOnBus subscribes to kinds and feeds the channel to fn until ctx ends.
func runOnBus(ctx context.Context, lifecycle *conc.WaitGroup, bus eventbus.Bus, fn func(context.Context, <-chan schema.StreamEvent), kinds ...schema.EventKind) error {
	id, events, err := bus.Subscribe(ctx, kinds...)
	if err != nil {
		return err
	}
	lifecycle.Go(func() {
		defer bus.Unsubscribe(id)
		fn(ctx, events)
	})
	return nil
}

func strategyViews(runtimes []*strategy.Runtime) func() []httpserver.Strategy {
	return func() []httpserver.Strategy {
		out := make([]httpserver.Strategy, 0, len(runtimes))
		for _, rt := range runtimes {
			out = append(out, rt)
		}
		return out
	}
}

// allInstruments lists the distinct instruments traded across strategies.
func allInstruments(configs []strategy.Config) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sc := range configs {
		for _, inst := range sc.Instruments() {
			if _, ok := seen[inst]; ok {
				continue
			}
			seen[inst] = struct{}{}
			out = append(out, inst)
		}
	}
	return out
}

type gracefulShutdownConfig struct {
	runtimes   []*strategy.Runtime
	report     *report.Recorder
	reportDir  string
	gate       *session.Hours
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	dispatcher *dispatcher.Dispatcher
	bus        eventbus.Bus
	journal    orderstore.Journal
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if len(cfg.runtimes) > 0 {
		shutdownStep("stopping strategies", strategyShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, func() { stopAll(cfg.runtimes) })
		})
	}

	if cfg.report != nil && cfg.gate != nil {
		shutdownStep("writing end-of-day report", reportShutdownTimeout, func(context.Context) error {
			path, err := cfg.report.WriteCSV(cfg.reportDir, cfg.gate.Day(time.Now()))
			if err != nil {
				return err
			}
			logger.Printf("report written to %s", path)
			return nil
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			if err := waitFor(stepCtx, cfg.lifecycle.Wait); err != nil {
				return fmt.Errorf("timeout waiting for goroutines: %w", err)
			}
			return nil
		})
	}

	if cfg.dispatcher != nil {
		shutdownStep("closing dispatcher", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.dispatcher.Close)
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.bus.Close)
		})
	}

	if cfg.journal != nil {
		shutdownStep("closing order journal", journalShutdownTimeout, func(context.Context) error {
			return cfg.journal.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

// waitFor runs fn and returns once it finishes or ctx expires.
func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
