// Package errs provides the structured error envelope shared across the
// market-making core. Every failure the strategy loop can encounter is
// classified into one of a small set of kinds so callers can branch on
// behavior (retry, halt, skip) without string matching.
package errs

import (
	"strconv"
	"strings"
)

// Kind classifies a failure into one of the categories the control loop
// reacts to differently.
type Kind string

const (
	// KindTransport covers network, timeout and TLS failures. The loop
	// logs and retries next tick.
	KindTransport Kind = "transport"
	// KindRateLimit marks a 429 response. The rate-limit governor engages.
	KindRateLimit Kind = "rate_limit"
	// KindRejectedOrder marks an order response whose status is not
	// NEW/PARTIALLY_FILLED. The working order is forgotten.
	KindRejectedOrder Kind = "rejected_order"
	// KindStaleSnapshot marks an account or depth snapshot too old to act on.
	KindStaleSnapshot Kind = "stale_snapshot"
	// KindFilterViolation marks a size or price that fails exchange filters.
	KindFilterViolation Kind = "filter_violation"
	// KindLedgerIO marks a ledger file write failure.
	KindLedgerIO Kind = "ledger_io"
	// KindConfig marks a fatal construction-time configuration error.
	KindConfig Kind = "config"
	// KindArithmetic marks an integer overflow in ledger accounting.
	KindArithmetic Kind = "arithmetic"
)

// E is the structured error envelope. It always carries a Kind and an
// Op describing which operation failed, and optionally wraps a cause.
type E struct {
	Kind    Kind
	Op      string
	Message string
	HTTP    int

	cause error
}

// Option configures an E during construction.
type Option func(*E)

// New builds an error envelope of the given kind for the named operation.
func New(kind Kind, op string, opts ...Option) *E {
	e := &E{Kind: kind, Op: strings.TrimSpace(op)}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(msg string) Option {
	trimmed := strings.TrimSpace(msg)
	return func(e *E) { e.Message = trimmed }
}

// WithHTTP records the HTTP status code that produced the error, if any.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithCause sets the underlying wrapped error.
func WithCause(cause error) Option {
	return func(e *E) { e.cause = cause }
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string
	parts = append(parts, "kind="+string(e.Kind))
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "msg="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether err is an *E of the given kind.
func Is(err error, kind Kind) bool {
	type kinded interface{ ErrKind() Kind }
	if k, ok := err.(kinded); ok {
		return k.ErrKind() == kind
	}
	e, ok := err.(*E)
	return ok && e != nil && e.Kind == kind
}

// ErrKind implements the kinded interface used by Is.
func (e *E) ErrKind() Kind {
	if e == nil {
		return ""
	}
	return e.Kind
}
