package normalizer

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
)

// Tick is a decoded but not yet validated or sequenced quote.
type Tick struct {
	Instrument string
	LastPrice  decimal.Decimal
	BidPrice   decimal.Decimal
	AskPrice   decimal.Decimal
	Timestamp  time.Time
	// Sequence is the source's own sequence number, zero when the feed has none.
	Sequence uint64
}

// Decoder turns one raw frame into zero or more ticks.
type Decoder interface {
	Decode(raw schema.RawTick) ([]Tick, error)
}

// Raw tick sources understood by RoutingDecoder.
const (
	SourceKite = "kite"
	SourceJSON = "json"
)

// RoutingDecoder picks a decoder by RawTick.Source, falling back to Default.
type RoutingDecoder struct {
	BySource map[string]Decoder
	Default  Decoder
}

// NewRoutingDecoder routes kite frames to the binary decoder and everything
// else to the JSON decoder.
func NewRoutingDecoder(tokens *TokenMap) RoutingDecoder {
	return RoutingDecoder{
		BySource: map[string]Decoder{SourceKite: KiteDecoder{Tokens: tokens}},
		Default:  JSONDecoder{Tokens: tokens},
	}
}

// Decode implements Decoder.
func (d RoutingDecoder) Decode(raw schema.RawTick) ([]Tick, error) {
	if dec, ok := d.BySource[raw.Source]; ok {
		return dec.Decode(raw)
	}
	if d.Default == nil {
		return nil, errs.New("normalizer/decode", errs.CodeInvalid, errs.WithMessage("no decoder for source "+raw.Source))
	}
	return d.Default.Decode(raw)
}

// JSONDecoder decodes broker JSON tick frames, either a single object or an array.
type JSONDecoder struct {
	Tokens *TokenMap
}

type jsonLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type jsonTick struct {
	Instrument    string          `json:"instrument"`
	TradingSymbol string          `json:"tradingsymbol"`
	Token         uint32          `json:"instrument_token"`
	LastPrice     decimal.Decimal `json:"last_price"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Depth         struct {
		Buy  []jsonLevel `json:"buy"`
		Sell []jsonLevel `json:"sell"`
	} `json:"depth"`
	ExchangeTimestamp flexTime `json:"exchange_timestamp"`
	Timestamp         flexTime `json:"timestamp"`
	Sequence          uint64   `json:"sequence"`
}

// Decode implements Decoder.
func (d JSONDecoder) Decode(raw schema.RawTick) ([]Tick, error) {
	payload := bytes.TrimSpace(raw.Payload)
	if len(payload) == 0 {
		return nil, errs.New("normalizer/json", errs.CodeInvalid, errs.WithMessage("empty frame"))
	}
	var frames []jsonTick
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &frames); err != nil {
			return nil, errs.New("normalizer/json", errs.CodeInvalid, errs.WithCause(err))
		}
	} else {
		var one jsonTick
		if err := json.Unmarshal(payload, &one); err != nil {
			return nil, errs.New("normalizer/json", errs.CodeInvalid, errs.WithCause(err))
		}
		frames = []jsonTick{one}
	}

	out := make([]Tick, 0, len(frames))
	for _, f := range frames {
		tick := Tick{
			Instrument: d.instrument(f),
			LastPrice:  f.LastPrice,
			BidPrice:   f.Bid,
			AskPrice:   f.Ask,
			Timestamp:  time.Time(f.ExchangeTimestamp),
			Sequence:   f.Sequence,
		}
		if tick.BidPrice.IsZero() && len(f.Depth.Buy) > 0 {
			tick.BidPrice = f.Depth.Buy[0].Price
		}
		if tick.AskPrice.IsZero() && len(f.Depth.Sell) > 0 {
			tick.AskPrice = f.Depth.Sell[0].Price
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = time.Time(f.Timestamp)
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = raw.ReceivedAt
		}
		out = append(out, tick)
	}
	return out, nil
}

func (d JSONDecoder) instrument(f jsonTick) string {
	if s := strings.TrimSpace(f.Instrument); s != "" {
		return s
	}
	if s := strings.TrimSpace(f.TradingSymbol); s != "" {
		return s
	}
	if f.Token != 0 && d.Tokens != nil {
		if s, ok := d.Tokens.Symbol(f.Token); ok {
			return s
		}
	}
	return ""
}

// flexTime accepts RFC3339, "2006-01-02 15:04:05" (exchange local time), or epoch seconds.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			var parsed time.Time
			if layout == time.RFC3339Nano {
				parsed, err = time.Parse(layout, s)
			} else {
				parsed, err = time.ParseInLocation(layout, s, exchangeLocation())
			}
			if err == nil {
				*t = flexTime(parsed)
				return nil
			}
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errs.New("normalizer/json", errs.CodeInvalid, errs.WithMessage("unrecognised timestamp "+s))
	}
	sec := int64(f)
	*t = flexTime(time.Unix(sec, int64((f-float64(sec))*1e9)).UTC())
	return nil
}

var istLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}()

func exchangeLocation() *time.Location { return istLocation }
