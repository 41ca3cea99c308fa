// Package wsfeed streams raw ticks from a WebSocket market data endpoint,
// such as the Kite ticker, with automatic reconnection.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optflow/internal/app/normalizer"
	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/observability"
	"github.com/coachpo/optflow/internal/telemetry"
)

const (
	defaultPingInterval         = 30 * time.Second
	defaultPingTimeout          = 5 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultReadLimit            = 2 * 1024 * 1024
	defaultBuffer               = 1024
	writeTimeout                = 5 * time.Second
)

// Config configures a Feed.
type Config struct {
	URL     string
	Headers http.Header
	// Mode is the Kite streaming mode: ltp, quote or full.
	Mode string
	// Tokens maps instruments to numeric tokens for the subscribe frame.
	// Instruments without a token are subscribed by name.
	Tokens               *normalizer.TokenMap
	PingInterval         time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	ReadLimit            int64
	Buffer               int
	Logger               observability.Logger
}

func (c Config) normalize() Config {
	if c.Mode == "" {
		c.Mode = "full"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 500 * time.Millisecond
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	return c
}

// Feed is a broker.QuoteSource over WebSocket.
type Feed struct {
	cfg Config

	mu        sync.Mutex
	connected bool

	reconnects metric.Int64Counter
	messages   metric.Int64Counter
	dropped    metric.Int64Counter
}

// New validates cfg.
func New(cfg Config) (*Feed, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, errs.New("wsfeed/new", errs.CodeInvalid, errs.WithMessage("ws:// or wss:// url required"))
	}
	f := &Feed{cfg: cfg.normalize()}
	meter := otel.Meter("wsfeed")
	f.reconnects, _ = meter.Int64Counter("wsfeed.reconnects",
		metric.WithDescription("WebSocket dial attempts by result"),
		metric.WithUnit("{attempt}"))
	f.messages, _ = meter.Int64Counter("wsfeed.messages",
		metric.WithDescription("Frames received from the feed"),
		metric.WithUnit("{message}"))
	f.dropped, _ = meter.Int64Counter("wsfeed.messages.dropped",
		metric.WithDescription("Frames discarded because the consumer fell behind"),
		metric.WithUnit("{message}"))
	return f, nil
}

// Connected reports whether a session is currently established.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// StreamQuotes implements broker.QuoteSource. The returned channel is closed
// when ctx ends. Connection failures are retried with exponential backoff and
// never surface as errors.
func (f *Feed) StreamQuotes(ctx context.Context, instruments []string) (<-chan schema.RawTick, error) {
	if len(instruments) == 0 {
		return nil, errs.New("wsfeed/stream", errs.CodeInvalid, errs.WithMessage("at least one instrument required"))
	}
	frames, err := f.subscribeFrames(instruments)
	if err != nil {
		return nil, err
	}
	out := make(chan schema.RawTick, f.cfg.Buffer)
	go func() {
		defer close(out)
		f.connect(ctx, frames, out)
	}()
	return out, nil
}

type controlFrame struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

func (f *Feed) subscribeFrames(instruments []string) ([][]byte, error) {
	var tokens []uint32
	var names []string
	for _, inst := range instruments {
		if f.cfg.Tokens != nil {
			if tok, ok := f.cfg.Tokens.Token(inst); ok {
				tokens = append(tokens, tok)
				continue
			}
		}
		names = append(names, inst)
	}
	var frames []controlFrame
	if len(tokens) > 0 {
		frames = append(frames,
			controlFrame{Action: "subscribe", Value: tokens},
			controlFrame{Action: "mode", Value: []any{f.cfg.Mode, tokens}})
	}
	if len(names) > 0 {
		frames = append(frames, controlFrame{Action: "subscribe", Value: names})
	}
	out := make([][]byte, 0, len(frames))
	for _, frame := range frames {
		data, err := json.Marshal(frame)
		if err != nil {
			return nil, fmt.Errorf("marshal subscribe frame: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

// connect keeps one session alive until ctx ends, replaying the subscription
// after every reconnect.
func (f *Feed) connect(ctx context.Context, frames [][]byte, out chan<- schema.RawTick) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = f.cfg.ReconnectInterval
	retry.MaxInterval = f.cfg.MaxReconnectInterval
	retry.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, f.cfg.URL, &websocket.DialOptions{HTTPHeader: f.cfg.Headers})
		if err != nil {
			f.reconnects.Add(ctx, 1, metric.WithAttributes(telemetry.AttrResult.String(telemetry.ResultFailure)))
			f.cfg.Logger.Error("wsfeed: dial failed", observability.F("url", f.cfg.URL), observability.Err(err))
			if !sleep(ctx, retry, f.cfg.MaxReconnectInterval) {
				return
			}
			continue
		}
		f.reconnects.Add(ctx, 1, metric.WithAttributes(telemetry.AttrResult.String(telemetry.ResultSuccess)))
		conn.SetReadLimit(f.cfg.ReadLimit)
		retry.Reset()

		err = f.session(ctx, conn, frames, out)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		f.setConnected(false)
		if err != nil {
			f.cfg.Logger.Error("wsfeed: session ended", observability.Err(err))
		}
		if !sleep(ctx, retry, f.cfg.MaxReconnectInterval) {
			return
		}
	}
}

func (f *Feed) session(ctx context.Context, conn *websocket.Conn, frames [][]byte, out chan<- schema.RawTick) error {
	for _, frame := range frames {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return fmt.Errorf("write subscribe: %w", err)
		}
	}
	f.setConnected(true)
	f.cfg.Logger.Info("wsfeed: connected", observability.F("url", f.cfg.URL))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- f.readLoop(connCtx, conn, out)
	}()
	go func() {
		defer wg.Done()
		errCh <- f.pingLoop(connCtx, conn)
	}()
	first := <-errCh
	cancel()
	wg.Wait()
	return first
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- schema.RawTick) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return closeError(err)
		}
		source := normalizer.SourceJSON
		if msgType == websocket.MessageBinary {
			source = normalizer.SourceKite
		} else if isControlReply(data) {
			continue
		}
		f.messages.Add(ctx, 1)
		tick := schema.RawTick{Source: source, Payload: data, ReceivedAt: time.Now().UTC()}
		select {
		case out <- tick:
		case <-ctx.Done():
			return nil
		default:
			// Keep reading so the socket never stalls; the normalizer sequences what it gets.
			f.dropped.Add(ctx, 1)
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return closeError(fmt.Errorf("ping: %w", err))
			}
		}
	}
}

func (f *Feed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// isControlReply recognises Kite text messages such as order postbacks and
// errors ({"type": "..."}), which carry no ticks.
func isControlReply(data []byte) bool {
	var msg struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &msg) == nil && msg.Type != ""
}

func closeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	if status := websocket.CloseStatus(err); status != -1 {
		if status == websocket.StatusNormalClosure {
			return nil
		}
		return fmt.Errorf("remote closed with status %d", status)
	}
	return err
}

func sleep(ctx context.Context, b *backoff.ExponentialBackOff, ceiling time.Duration) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = ceiling
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}
