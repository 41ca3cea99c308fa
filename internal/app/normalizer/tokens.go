package normalizer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// TokenMap resolves numeric broker instrument tokens to trading symbols.
type TokenMap struct {
	mu      sync.RWMutex
	symbols map[uint32]string
	tokens  map[string]uint32
}

// NewTokenMap returns an empty map.
func NewTokenMap() *TokenMap {
	return &TokenMap{symbols: make(map[uint32]string), tokens: make(map[string]uint32)}
}

// Add registers a token/symbol pair.
func (m *TokenMap) Add(token uint32, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[token] = symbol
	m.tokens[symbol] = token
}

// Symbol returns the trading symbol for token.
func (m *TokenMap) Symbol(token uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.symbols[token]
	return s, ok
}

// Token returns the token for a trading symbol.
func (m *TokenMap) Token(symbol string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[symbol]
	return t, ok
}

// Len returns the number of entries.
func (m *TokenMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.symbols)
}

// LoadTokenMap reads a broker instruments dump with at least the
// instrument_token and tradingsymbol columns.
func LoadTokenMap(r io.Reader) (*TokenMap, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read instruments header: %w", err)
	}
	tokenCol, symbolCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "instrument_token":
			tokenCol = i
		case "tradingsymbol":
			symbolCol = i
		}
	}
	if tokenCol < 0 || symbolCol < 0 {
		return nil, errors.New("instruments csv: instrument_token and tradingsymbol columns required")
	}
	m := NewTokenMap()
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("instruments csv line %d: %w", line, err)
		}
		if len(rec) <= tokenCol || len(rec) <= symbolCol {
			continue
		}
		token, err := strconv.ParseUint(strings.TrimSpace(rec[tokenCol]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("instruments csv line %d: token: %w", line, err)
		}
		m.Add(uint32(token), strings.TrimSpace(rec[symbolCol]))
	}
	return m, nil
}
