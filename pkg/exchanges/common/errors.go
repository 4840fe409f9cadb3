package common

import (
	"errors"
	"fmt"
)

// Kind classifies exchange and routing failures into a closed taxonomy so
// callers can branch on kind instead of matching message strings.
type Kind string

const (
	KindAuth                Kind = "auth"                 // bad signature/credentials
	KindAuthorization       Kind = "authorization"        // wrong-user broker access
	KindRateLimit           Kind = "rate_limit"           // exchange throttling, retryable
	KindInsufficientFunds   Kind = "insufficient_funds"   // non-retryable, user-actionable
	KindOrder               Kind = "order"                // bad parameters/precision/minimum
	KindNotFound            Kind = "not_found"            // unknown symbol/order
	KindTimeout             Kind = "timeout"              // unknown outcome
	KindUnsupportedExchange Kind = "unsupported_exchange" // configuration error
	KindUnknownAction       Kind = "unknown_action"       // programmer error
	KindNetwork             Kind = "network"              // transient transport failure, retryable
	KindExchange            Kind = "exchange"             // uncategorized exchange rejection
)

// Error is the taxonomy's error value: a machine-readable kind and code plus
// the exchange's own human-readable message.
type Error struct {
	Kind     Kind
	Exchange string // venue name, empty for routing-layer errors
	Code     string // exchange-native error code, if any
	Message  string
	Err      error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Exchange != "" && e.Code != "" {
		return fmt.Sprintf("%s [%s %s]: %s", e.Kind, e.Exchange, e.Code, e.Message)
	}
	if e.Exchange != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Exchange, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on kind sentinels produced by KindSentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Exchange == "" || t.Exchange == e.Exchange)
}

// NewError builds a taxonomy error.
func NewError(kind Kind, exchange, code, message string) *Error {
	return &Error{Kind: kind, Exchange: exchange, Code: code, Message: message}
}

// WrapError attaches a cause.
func WrapError(kind Kind, exchange, message string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Message: message, Err: err}
}

// KindOf extracts the kind from err, or KindExchange if err is not a
// taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExchange
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the failure is transient: rate limiting and
// network-layer trouble are; business rejections are not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindNetwork:
		return true
	}
	return false
}
