// Package errs defines the error envelope shared by the order path.
package errs

import (
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeNetwork marks a retryable transport failure.
	CodeNetwork      Code = "network"
	CodeSubmission   Code = "submission"
	CodeInvalidState Code = "invalid_state"
	CodeInvalid      Code = "invalid_request"
	CodeExchange     Code = "exchange_error"
	CodeNotFound     Code = "not_found"
	CodeUnavailable  Code = "unavailable"
	// CodeRateLimited covers both the local throttle and broker 429s.
	CodeRateLimited Code = "rate_limited"
)

// CanonicalCode captures broker-agnostic error categories.
type CanonicalCode string

const (
	CanonicalUnknown           CanonicalCode = "unknown"
	CanonicalCapabilityMissing CanonicalCode = "capability_missing"
	CanonicalOrderNotFound     CanonicalCode = "order_not_found"
	CanonicalOrderRejected     CanonicalCode = "order_rejected"
	CanonicalRiskLimit         CanonicalCode = "risk_limit"
)

var (
	// ErrStaleEvent marks a broker callback that was ignored because it is
	// older than, or identical to, the recorded order state. It is not a failure.
	ErrStaleEvent = errors.New("stale event ignored")
	// ErrUnreconciled marks a broker callback for an order this process does not track.
	ErrUnreconciled = errors.New("unreconciled order event")
)

// E is the error envelope returned across the order path. Op names the
// failing operation, Code its category; Fields carry identifiers such as the
// client request id.
type E struct {
	Op        string
	Code      Code
	Message   string
	Canonical CanonicalCode
	Fields    map[string]string

	cause error
}

type Option func(*E)

func New(op string, code Code, opts ...Option) *E {
	e := &E{Op: strings.TrimSpace(op), Code: code, Canonical: CanonicalUnknown}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func WithMessage(message string) Option {
	message = strings.TrimSpace(message)
	return func(e *E) { e.Message = message }
}

func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithCanonicalCode sets the broker-agnostic category. Blank means unknown.
func WithCanonicalCode(code CanonicalCode) Option {
	code = CanonicalCode(strings.TrimSpace(string(code)))
	if code == "" {
		code = CanonicalUnknown
	}
	return func(e *E) { e.Canonical = code }
}

// WithField records an identifier. Blank keys are dropped.
func WithField(key, value string) Option {
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	return func(e *E) {
		if key == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string)
		}
		e.Fields[key] = value
	}
}

// Error renders the envelope as space separated key=value pairs with
// fields in key order.
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	pair := func(k, v string) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	pair("op", orUnknown(e.Op))
	pair("code", orUnknown(string(e.Code)))
	if e.Canonical != "" && e.Canonical != CanonicalUnknown {
		pair("canonical", string(e.Canonical))
	}
	if e.Message != "" {
		pair("message", strconv.Quote(e.Message))
	}
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		pair(k, strconv.Quote(e.Fields[k]))
	}
	if e.cause != nil {
		pair("cause", strconv.Quote(e.cause.Error()))
	}
	return b.String()
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}

func (e *E) Unwrap() error { return e.cause }

// NotSupported reports a capability the broker adapter lacks.
func NotSupported(msg string) *E {
	return New("", CodeExchange, WithMessage(msg), WithCanonicalCode(CanonicalCapabilityMissing))
}

// Transient wraps err as a retryable network failure.
func Transient(op string, err error) *E {
	return New(op, CodeNetwork, WithCause(err))
}

// HasCode walks err's chain, including causes held by envelopes, looking
// for code.
func HasCode(err error, code Code) bool {
	var e *E
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

func IsTransient(err error) bool {
	return HasCode(err, CodeNetwork)
}
