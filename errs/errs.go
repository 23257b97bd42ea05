// Package errs provides structured error types and helpers for Wayfare services.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Kind identifies a failure category the transport layer can act on.
type Kind string

const (
	// KindNotFound indicates a missing record or resource.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a uniqueness or constraint violation.
	KindConflict Kind = "conflict"
	// KindUnavailable indicates the record store is unreachable or timed out.
	KindUnavailable Kind = "unavailable"
	// KindInvalidInput indicates a malformed or schema-violating field mapping.
	KindInvalidInput Kind = "invalid_input"
	// KindInternal captures uncategorized failures.
	KindInternal Kind = "internal"
)

// E captures structured error information produced across the Wayfare stack.
type E struct {
	Kind    Kind
	Table   string
	HTTP    int
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given failure kind.
func New(kind Kind, opts ...Option) *E {
	e := &E{
		Kind:    kind,
		Table:   "",
		HTTP:    0,
		Message: "",
		cause:   nil,
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

// WithTable records the registry table the operation targeted.
func WithTable(table string) Option {
	trimmed := strings.TrimSpace(table)
	return func(e *E) {
		e.Table = trimmed
	}
}

// WithHTTP records an explicit HTTP status override.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindInternal)
	}
	parts = append(parts, "kind="+kind)

	if e.Table != "" {
		parts = append(parts, "table="+e.Table)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the failure kind from err, walking the wrap chain.
// Errors without an envelope classify as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		if strings.TrimSpace(string(envelope.Kind)) != "" {
			return envelope.Kind
		}
	}
	return KindInternal
}

// StatusOf maps err to the HTTP status the transport layer should report.
func StatusOf(err error) int {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil && envelope.HTTP > 0 {
		return envelope.HTTP
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NotFound returns a standardized not-found error for a table/id pair.
func NotFound(table string, id int64) *E {
	return New(KindNotFound, WithTable(table), WithMessage("record "+strconv.FormatInt(id, 10)+" not found"))
}

// UnknownTable returns a standardized error for a table absent from the registry.
func UnknownTable(table string) *E {
	return New(KindNotFound, WithMessage("unknown table "+strconv.Quote(table)))
}
