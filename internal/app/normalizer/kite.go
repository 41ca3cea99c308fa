package normalizer

import (
	"encoding/binary"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optflow/internal/domain/errs"
	"github.com/coachpo/optflow/internal/domain/schema"
)

// Kite ticker packet sizes.
const (
	kiteLTPSize      = 8
	kiteIndexFull    = 32
	kiteFullSize     = 184
	kiteDepthOffset  = 64
	kiteDepthEntry   = 12
	kiteDepthPerSide = 5
	segmentCDS       = 3
	segmentBCD       = 6
	segmentIndices   = 9
)

// KiteDecoder decodes Zerodha Kite ticker binary frames. Prices arrive as
// integers scaled by a per-segment divisor.
type KiteDecoder struct {
	Tokens *TokenMap
}

// Decode implements Decoder. A single-byte frame is a heartbeat and yields no ticks.
func (d KiteDecoder) Decode(raw schema.RawTick) ([]Tick, error) {
	buf := raw.Payload
	if len(buf) <= 1 {
		return nil, nil
	}
	count := int(binary.BigEndian.Uint16(buf[0:2]))
	offset := 2
	out := make([]Tick, 0, count)
	for i := 0; i < count; i++ {
		if offset+2 > len(buf) {
			return out, errs.New("normalizer/kite", errs.CodeInvalid, errs.WithMessage("truncated packet header"))
		}
		size := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
		if offset+size > len(buf) {
			return out, errs.New("normalizer/kite", errs.CodeInvalid, errs.WithMessage("truncated packet body"))
		}
		tick, ok := d.packet(buf[offset:offset+size], raw.ReceivedAt)
		offset += size
		if ok {
			out = append(out, tick)
		}
	}
	return out, nil
}

func (d KiteDecoder) packet(p []byte, received time.Time) (Tick, bool) {
	if len(p) < kiteLTPSize {
		return Tick{}, false
	}
	token := binary.BigEndian.Uint32(p[0:4])
	divisor := kiteDivisor(token)
	price := func(off int) decimal.Decimal {
		return decimal.NewFromInt(int64(int32(binary.BigEndian.Uint32(p[off : off+4])))).Div(divisor)
	}

	tick := Tick{LastPrice: price(4), Timestamp: received}
	if d.Tokens != nil {
		tick.Instrument, _ = d.Tokens.Symbol(token)
	}

	switch {
	case token&0xff == segmentIndices && len(p) == kiteIndexFull:
		tick.Timestamp = epoch(p[28:32], received)
	case len(p) == kiteFullSize:
		tick.Timestamp = epoch(p[60:64], received)
		buy := kiteDepthOffset + 4
		sell := kiteDepthOffset + kiteDepthPerSide*kiteDepthEntry + 4
		tick.BidPrice = price(buy)
		tick.AskPrice = price(sell)
	}
	return tick, true
}

func kiteDivisor(token uint32) decimal.Decimal {
	switch token & 0xff {
	case segmentCDS:
		return decimal.NewFromInt(10_000_000)
	case segmentBCD:
		return decimal.NewFromInt(10_000)
	default:
		return decimal.NewFromInt(100)
	}
}

func epoch(b []byte, fallback time.Time) time.Time {
	sec := binary.BigEndian.Uint32(b)
	if sec == 0 {
		return fallback
	}
	return time.Unix(int64(sec), 0).UTC()
}
