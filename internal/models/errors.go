package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRecordNotFound is returned by record stores for a missing record
var ErrRecordNotFound = errors.New("record not found")

// ErrorKind classifies a failure so callers can branch on it without
// inspecting error text
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindUpstreamTransient ErrorKind = "upstream_transient"
	KindUpstreamNotFound  ErrorKind = "upstream_not_found"
	KindUpstreamBusiness  ErrorKind = "upstream_business"
	KindPersistence       ErrorKind = "persistence"
	KindTimeout           ErrorKind = "timeout"
	KindCartInvalid       ErrorKind = "cart_invalid"
	KindCartExpired       ErrorKind = "cart_expired"
	KindConflict          ErrorKind = "conflict"
	KindUnknown           ErrorKind = "unknown"
)

// BookingError is the single error type returned by the orchestration core.
// Op names the operation (e.g. "add_trip"), CartID and StatusCode carry the
// upstream context, Code is the stable machine-readable business code.
type BookingError struct {
	Kind       ErrorKind
	Op         string
	CartID     string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *BookingError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.CartID != "" {
		fmt.Fprintf(&b, " (cart_id=%s)", e.CartID)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status=%d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (code=%s)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BookingError) Unwrap() error {
	return e.Err
}

// WithOp returns a copy of the error tagged with op and cartID when they are
// not already set
func (e *BookingError) WithOp(op, cartID string) *BookingError {
	cp := *e
	if cp.Op == "" {
		cp.Op = op
	}
	if cp.CartID == "" {
		cp.CartID = cartID
	}
	return &cp
}

// ============================================================================
// CONSTRUCTORS
// ============================================================================

// ErrInvalidInput creates a validation error
func ErrInvalidInput(message string) error {
	return &BookingError{Kind: KindValidation, Message: message}
}

// ErrInvalidInputf creates a formatted validation error
func ErrInvalidInputf(format string, args ...any) error {
	return &BookingError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError wraps a timeout or 5xx failure
func NewTransientError(statusCode int, message string, err error) *BookingError {
	return &BookingError{Kind: KindUpstreamTransient, StatusCode: statusCode, Message: message, Err: err}
}

// NewNotFoundError wraps an upstream 404
func NewNotFoundError(message string) *BookingError {
	return &BookingError{Kind: KindUpstreamNotFound, StatusCode: 404, Message: message}
}

// NewBusinessError wraps a non-retryable upstream rejection
func NewBusinessError(statusCode int, code, message string) *BookingError {
	return &BookingError{Kind: KindUpstreamBusiness, StatusCode: statusCode, Code: code, Message: message}
}

// NewPersistenceError wraps a record store failure
func NewPersistenceError(op string, err error) *BookingError {
	return &BookingError{Kind: KindPersistence, Op: op, Message: "record sink failure", Err: err}
}

// NewTimeoutError reports that a deadline or poll ceiling was reached
func NewTimeoutError(op, message string, err error) *BookingError {
	return &BookingError{Kind: KindTimeout, Op: op, Message: message, Err: err}
}

// NewCartInvalidError reports a cart that no longer accepts mutations
func NewCartInvalidError(cartID, message string) *BookingError {
	return &BookingError{Kind: KindCartInvalid, CartID: cartID, Message: message}
}

// NewCartExpiredError reports a cart whose expires_at has elapsed
func NewCartExpiredError(cartID string) *BookingError {
	return &BookingError{Kind: KindCartExpired, CartID: cartID, Message: "cart has expired"}
}

// NewConflictError reports a duplicate in-flight request
func NewConflictError(message string) *BookingError {
	return &BookingError{Kind: KindConflict, Message: message}
}

// ============================================================================
// INSPECTION
// ============================================================================

// KindOf returns the kind of the first BookingError in err's chain
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *BookingError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return IsKind(err, KindUpstreamTransient)
}

// AsBookingError extracts the BookingError from err's chain
func AsBookingError(err error) (*BookingError, bool) {
	var be *BookingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
