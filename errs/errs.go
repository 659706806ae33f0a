// Package errs provides structured error types and helpers for sigma services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a transport or caller error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeTimeout indicates a bounded wait expired.
	CodeTimeout Code = "timeout"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeGateway indicates the broker gateway rejected a request.
	CodeGateway Code = "gateway_error"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a duplicate registration or concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is closed or not yet ready.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures the collection engine's error taxonomy.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInvalidDimension marks bad entity-space input. Fatal, raised before any network activity.
	CanonicalInvalidDimension CanonicalCode = "invalid_dimension"
	// CanonicalHandshakeTimeout marks a session that never received its first correlation id.
	CanonicalHandshakeTimeout CanonicalCode = "handshake_timeout"
	// CanonicalSendFailure marks a request that could not be written. Recorded per entity.
	CanonicalSendFailure CanonicalCode = "send_failure"
	// CanonicalUnknownCorrelationID marks an inbound event for an id no open table owns.
	CanonicalUnknownCorrelationID CanonicalCode = "unknown_correlation_id"
	// CanonicalRejected marks a request the broker answered with an error message.
	CanonicalRejected CanonicalCode = "rejected"
	// CanonicalTableClosed marks a write attempted against a sealed or stopped table.
	CanonicalTableClosed CanonicalCode = "table_closed"
)

// E captures structured error information produced across the sigma stack.
type E struct {
	Op        string
	Code      Code
	Canonical CanonicalCode
	RequestID int64
	Message   string
	RawCode   string
	Metadata  map[string]string

	hasRequestID bool
	cause        error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:        strings.TrimSpace(op),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRequestID records the correlation id the error belongs to.
func WithRequestID(id int64) Option {
	return func(e *E) {
		e.RequestID = id
		e.hasRequestID = true
	}
}

// WithRawCode captures the raw broker error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.hasRequestID {
		parts = append(parts, "request_id="+strconv.FormatInt(e.RequestID, 10))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// HasRequestID reports whether the envelope carries a correlation id.
func (e *E) HasRequestID() bool { return e != nil && e.hasRequestID }

// Is reports whether err carries the canonical code anywhere in its chain.
func Is(err error, code CanonicalCode) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) {
			return false
		}
		if e.Canonical == code {
			return true
		}
		err = e.cause
	}
	return false
}

// InvalidDimension returns a standardized error for bad entity-space input.
func InvalidDimension(dimension, msg string) *E {
	return New("entity/generate", CodeInvalid,
		WithMessage(msg),
		WithField("dimension", dimension),
		WithCanonicalCode(CanonicalInvalidDimension))
}

// HandshakeTimeout returns a standardized error for a session whose first id never arrived.
func HandshakeTimeout(cause error) *E {
	return New("session/connect", CodeTimeout,
		WithMessage("first correlation id not received"),
		WithCanonicalCode(CanonicalHandshakeTimeout),
		WithCause(cause))
}

// SendFailure returns a standardized per-entity send error.
func SendFailure(id int64, cause error) *E {
	return New("dispatch/send", CodeNetwork,
		WithRequestID(id),
		WithCanonicalCode(CanonicalSendFailure),
		WithCause(cause))
}
